package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/datasource/sqlbase"
)

const defaultPort = 5432

// New returns the PostgreSQL adapter.
func New(creds credential.Decrypter, opts datasource.Options) *sqlbase.Adapter {
	return sqlbase.New(Dialect{}, creds, opts)
}

type Dialect struct{}

func (Dialect) Kind() datasource.EngineKind { return datasource.EnginePostgres }

func (Dialect) DriverName() string { return "pgx" }

func (Dialect) DSN(d datasource.Descriptor, password string, opts datasource.Options) (string, error) {
	if strings.TrimSpace(d.Host) == "" {
		return "", fmt.Errorf("host is required")
	}
	port := d.Port
	if port == 0 {
		port = defaultPort
	}

	q := url.Values{}
	if d.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	if secs := int(opts.ConnectTimeout.Seconds()); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if ms := opts.StatementTimeout.Milliseconds(); ms > 0 {
		q.Set("statement_timeout", strconv.FormatInt(ms, 10))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:     "/" + d.DatabaseName,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

const systemSchemas = `('pg_catalog', 'information_schema')`

const tablesQuery = `
SELECT n.nspname, c.relname,
       CASE WHEN c.reltuples < 0 THEN NULL ELSE c.reltuples::bigint END
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p')
  AND NOT c.relispartition
  AND n.nspname NOT IN ` + systemSchemas + `
  AND n.nspname NOT LIKE 'pg_toast%'
ORDER BY n.nspname, c.relname`

const columnsQuery = `
SELECT table_schema, table_name, column_name,
       CASE WHEN data_type IN ('USER-DEFINED', 'ARRAY') THEN udt_name ELSE data_type END,
       is_nullable = 'YES',
       column_default,
       character_maximum_length, numeric_precision, numeric_scale,
       (is_identity = 'YES' OR COALESCE(column_default, '') LIKE 'nextval(%')
FROM information_schema.columns
WHERE table_schema NOT IN ` + systemSchemas + `
ORDER BY table_schema, table_name, ordinal_position`

const primaryKeysQuery = `
SELECT tc.table_schema, tc.table_name, tc.constraint_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema
 AND kcu.constraint_name = tc.constraint_name
 AND kcu.table_name = tc.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema NOT IN ` + systemSchemas + `
ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position`

const foreignKeysQuery = `
SELECT n.nspname, c.relname, con.conname, a.attname,
       rn.nspname, rc.relname, ra.attname,
       CASE con.confdeltype WHEN 'r' THEN 'RESTRICT' WHEN 'c' THEN 'CASCADE'
            WHEN 'n' THEN 'SET NULL' WHEN 'd' THEN 'SET DEFAULT' ELSE 'NO ACTION' END,
       CASE con.confupdtype WHEN 'r' THEN 'RESTRICT' WHEN 'c' THEN 'CASCADE'
            WHEN 'n' THEN 'SET NULL' WHEN 'd' THEN 'SET DEFAULT' ELSE 'NO ACTION' END
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
JOIN pg_catalog.pg_class rc ON rc.oid = con.confrelid
JOIN pg_catalog.pg_namespace rn ON rn.oid = rc.relnamespace
CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
JOIN pg_catalog.pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
JOIN pg_catalog.pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refattnum
WHERE con.contype = 'f'
  AND n.nspname NOT IN ` + systemSchemas + `
ORDER BY n.nspname, c.relname, con.conname, k.ord`

const indexColumnsQuery = `
SELECT n.nspname, t.relname, i.relname, a.attname, ix.indisunique, ix.indisclustered
FROM pg_catalog.pg_index ix
JOIN pg_catalog.pg_class t ON t.oid = ix.indrelid
JOIN pg_catalog.pg_class i ON i.oid = ix.indexrelid
JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
CROSS JOIN LATERAL unnest(ix.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
JOIN pg_catalog.pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE NOT ix.indisprimary
  AND n.nspname NOT IN ` + systemSchemas + `
  AND n.nspname NOT LIKE 'pg_toast%'
ORDER BY n.nspname, t.relname, i.relname, k.ord`

func (Dialect) Catalog(ctx context.Context, db *sql.DB) (datasource.CatalogRows, error) {
	var out datasource.CatalogRows

	err := sqlbase.Each(ctx, db, tablesQuery, func(r *sql.Rows) error {
		var t datasource.TableRow
		var est sql.NullInt64
		if err := r.Scan(&t.Schema, &t.Name, &est); err != nil {
			return err
		}
		t.Estimate = sqlbase.Int64Ptr(est)
		out.Tables = append(out.Tables, t)
		return nil
	})
	if err != nil {
		return out, errors.Wrap(err, "list tables")
	}

	err = sqlbase.Each(ctx, db, columnsQuery, func(r *sql.Rows) error {
		var c datasource.ColumnRow
		var def sql.NullString
		var maxLen, precision, scale sql.NullInt64
		if err := r.Scan(&c.Schema, &c.Table, &c.Name, &c.DataType, &c.Nullable, &def,
			&maxLen, &precision, &scale, &c.IsIdentity); err != nil {
			return err
		}
		c.DefaultValue = sqlbase.StringPtr(def)
		c.MaxLength = sqlbase.Int64Ptr(maxLen)
		c.Precision = sqlbase.Int64Ptr(precision)
		c.Scale = sqlbase.Int64Ptr(scale)
		out.Columns = append(out.Columns, c)
		return nil
	})
	if err != nil {
		return out, errors.Wrap(err, "list columns")
	}

	err = sqlbase.Each(ctx, db, primaryKeysQuery, func(r *sql.Rows) error {
		var k datasource.KeyColumnRow
		if err := r.Scan(&k.Schema, &k.Table, &k.Constraint, &k.Column); err != nil {
			return err
		}
		out.PrimaryKeys = append(out.PrimaryKeys, k)
		return nil
	})
	if err != nil {
		return out, errors.Wrap(err, "list primary keys")
	}

	err = sqlbase.Each(ctx, db, foreignKeysQuery, func(r *sql.Rows) error {
		var f datasource.ForeignKeyRow
		if err := r.Scan(&f.Schema, &f.Table, &f.Constraint, &f.Column,
			&f.ReferencedSchema, &f.ReferencedTable, &f.ReferencedColumn, &f.OnDelete, &f.OnUpdate); err != nil {
			return err
		}
		out.ForeignKeys = append(out.ForeignKeys, f)
		return nil
	})
	if err != nil {
		return out, errors.Wrap(err, "list foreign keys")
	}

	err = sqlbase.Each(ctx, db, indexColumnsQuery, func(r *sql.Rows) error {
		var ic datasource.IndexColumnRow
		if err := r.Scan(&ic.Schema, &ic.Table, &ic.Index, &ic.Column, &ic.Unique, &ic.Clustered); err != nil {
			return err
		}
		out.IndexColumns = append(out.IndexColumns, ic)
		return nil
	})
	if err != nil {
		return out, errors.Wrap(err, "list indexes")
	}

	return out, nil
}

const rawColumnsQuery = `
SELECT c.table_schema, c.table_name,
       string_agg(c.column_name || ' ' || c.data_type ||
                  CASE WHEN c.is_nullable = 'NO' THEN ' NOT NULL' ELSE '' END,
                  E'\n' ORDER BY c.ordinal_position)
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE t.table_type = 'BASE TABLE'
  AND c.table_schema NOT IN ` + systemSchemas + `
GROUP BY c.table_schema, c.table_name
ORDER BY c.table_schema, c.table_name`

const rawConstraintsQuery = `
SELECT n.nspname, c.relname, con.conname, pg_get_constraintdef(con.oid)
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE con.contype IN ('p', 'f', 'u')
  AND n.nspname NOT IN ` + systemSchemas + `
ORDER BY n.nspname, c.relname, con.contype, con.conname`

func (Dialect) RawTables(ctx context.Context, db *sql.DB) ([]datasource.RawTable, error) {
	var tables []datasource.RawTable
	pos := map[string]int{}

	err := sqlbase.Each(ctx, db, rawColumnsQuery, func(r *sql.Rows) error {
		var t datasource.RawTable
		var cols string
		if err := r.Scan(&t.Schema, &t.Name, &cols); err != nil {
			return err
		}
		t.Columns = strings.Split(cols, "\n")
		pos[t.Schema+"."+t.Name] = len(tables)
		tables = append(tables, t)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list columns")
	}

	err = sqlbase.Each(ctx, db, rawConstraintsQuery, func(r *sql.Rows) error {
		var schema, table, name, def string
		if err := r.Scan(&schema, &table, &name, &def); err != nil {
			return err
		}
		if i, ok := pos[schema+"."+table]; ok {
			tables[i].Notes = append(tables[i].Notes, "CONSTRAINT "+name+" "+def)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list constraints")
	}
	return tables, nil
}
