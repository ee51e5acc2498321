package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"

	driver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/datasource/sqlbase"
)

const defaultPort = 3306

func New(creds credential.Decrypter, opts datasource.Options) *sqlbase.Adapter {
	return sqlbase.New(Dialect{}, creds, opts)
}

type Dialect struct{}

func (Dialect) Kind() datasource.EngineKind { return datasource.EngineMySQL }

func (Dialect) DriverName() string { return "mysql" }

func (Dialect) DSN(d datasource.Descriptor, password string, opts datasource.Options) (string, error) {
	if strings.TrimSpace(d.Host) == "" {
		return "", fmt.Errorf("host is required")
	}
	port := d.Port
	if port == 0 {
		port = defaultPort
	}

	cfg := driver.NewConfig()
	cfg.User = d.Username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(port))
	cfg.DBName = d.DatabaseName
	cfg.ParseTime = true
	cfg.Timeout = opts.ConnectTimeout
	cfg.ReadTimeout = opts.StatementTimeout
	cfg.WriteTimeout = opts.StatementTimeout
	if d.SSL {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN(), nil
}

const tablesQuery = `
SELECT table_schema, table_name, table_rows
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`

const columnsQuery = `
SELECT table_schema, table_name, column_name, column_type,
       is_nullable = 'YES',
       column_default,
       character_maximum_length, numeric_precision, numeric_scale,
       extra LIKE '%auto_increment%'
FROM information_schema.columns
WHERE table_schema = DATABASE()
ORDER BY table_name, ordinal_position`

const primaryKeysQuery = `
SELECT table_schema, table_name, constraint_name, column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND constraint_name = 'PRIMARY'
ORDER BY table_name, ordinal_position`

const foreignKeysQuery = `
SELECT kcu.table_schema, kcu.table_name, kcu.constraint_name, kcu.column_name,
       kcu.referenced_table_schema, kcu.referenced_table_name, kcu.referenced_column_name,
       rc.delete_rule, rc.update_rule
FROM information_schema.key_column_usage kcu
JOIN information_schema.referential_constraints rc
  ON rc.constraint_schema = kcu.constraint_schema
 AND rc.constraint_name = kcu.constraint_name
WHERE kcu.table_schema = DATABASE() AND kcu.referenced_table_name IS NOT NULL
ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`

// InnoDB clusters on the primary key only, so secondary indexes are never clustered.
const indexColumnsQuery = `
SELECT table_schema, table_name, index_name,
       COALESCE(column_name, '(expression)'),
       non_unique = 0,
       FALSE
FROM information_schema.statistics
WHERE table_schema = DATABASE() AND index_name <> 'PRIMARY'
ORDER BY table_name, index_name, seq_in_index`

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
SELECT table_name, column_name, column_type, is_nullable, column_key
FROM information_schema.columns
WHERE table_schema = DATABASE()
ORDER BY table_name, ordinal_position`

const rawReferencesQuery = `
SELECT table_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL
ORDER BY table_name, ordinal_position`

func (Dialect) RawTables(ctx context.Context, db *sql.DB) ([]datasource.RawTable, error) {
	var tables []datasource.RawTable
	pos := map[string]int{}

	err := sqlbase.Each(ctx, db, rawColumnsQuery, func(r *sql.Rows) error {
		var table, column, colType, nullable, key string
		if err := r.Scan(&table, &column, &colType, &nullable, &key); err != nil {
			return err
		}
		i, ok := pos[table]
		if !ok {
			i = len(tables)
			pos[table] = i
			tables = append(tables, datasource.RawTable{Name: table})
		}
		def := column + " " + colType
		if nullable == "NO" {
			def += " NOT NULL"
		}
		if key == "PRI" {
			def += " PRIMARY KEY"
		}
		tables[i].Columns = append(tables[i].Columns, def)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list columns")
	}

	err = sqlbase.Each(ctx, db, rawReferencesQuery, func(r *sql.Rows) error {
		var table, column, refTable, refColumn string
		if err := r.Scan(&table, &column, &refTable, &refColumn); err != nil {
			return err
		}
		if i, ok := pos[table]; ok {
			tables[i].Notes = append(tables[i].Notes, fmt.Sprintf("%s REFERENCES %s(%s)", column, refTable, refColumn))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list references")
	}
	return tables, nil
}
