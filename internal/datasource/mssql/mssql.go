package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/datasource/sqlbase"
)

const defaultPort = 1433

// New returns the SQL Server adapter. Catalog reads go through the sys.*
// views since information_schema lacks identity, index and row estimates.
func New(creds credential.Decrypter, opts datasource.Options) *sqlbase.Adapter {
	return sqlbase.New(Dialect{}, creds, opts)
}

type Dialect struct{}

func (Dialect) Kind() datasource.EngineKind { return datasource.EngineSQLServer }

func (Dialect) DriverName() string { return "sqlserver" }

func (Dialect) DSN(d datasource.Descriptor, password string, opts datasource.Options) (string, error) {
	if strings.TrimSpace(d.Host) == "" {
		return "", fmt.Errorf("host is required")
	}
	port := d.Port
	if port == 0 {
		port = defaultPort
	}

	q := url.Values{}
	q.Set("database", d.DatabaseName)
	if d.SSL {
		q.Set("encrypt", "true")
	} else {
		q.Set("encrypt", "disable")
	}
	if secs := int(opts.ConnectTimeout.Seconds()); secs > 0 {
		q.Set("dial timeout", strconv.Itoa(secs))
		q.Set("connection timeout", strconv.Itoa(secs))
	}
	q.Set("app name", "querychat")

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(d.Username, password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

const tablesQuery = `
SELECT s.name, t.name,
       (SELECT SUM(p.rows) FROM sys.partitions p
        WHERE p.object_id = t.object_id AND p.index_id IN (0, 1))
FROM sys.tables t
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE t.is_ms_shipped = 0
ORDER BY s.name, t.name`

const columnsQuery = `
SELECT s.name, t.name, c.name, ty.name,
       c.is_nullable,
       OBJECT_DEFINITION(c.default_object_id),
       CASE WHEN ty.name IN ('nvarchar', 'nchar') AND c.max_length > 0 THEN c.max_length / 2
            WHEN ty.name IN ('varchar', 'char', 'varbinary', 'binary') AND c.max_length > 0 THEN c.max_length
            ELSE NULL END,
       CASE WHEN c.precision > 0 THEN CAST(c.precision AS int) ELSE NULL END,
       CASE WHEN c.precision > 0 THEN CAST(c.scale AS int) ELSE NULL END,
       c.is_identity
FROM sys.columns c
JOIN sys.tables t ON t.object_id = c.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
JOIN sys.types ty ON ty.user_type_id = c.user_type_id
WHERE t.is_ms_shipped = 0
ORDER BY s.name, t.name, c.column_id`

const primaryKeysQuery = `
SELECT s.name, t.name, i.name, c.name
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN sys.tables t ON t.object_id = i.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE i.is_primary_key = 1
ORDER BY s.name, t.name, ic.key_ordinal`

const foreignKeysQuery = `
SELECT s.name, t.name, fk.name, c.name,
       rs.name, rt.name, rc.name,
       REPLACE(fk.delete_referential_action_desc, '_', ' '),
       REPLACE(fk.update_referential_action_desc, '_', ' ')
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.tables t ON t.object_id = fkc.parent_object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
JOIN sys.columns c ON c.object_id = fkc.parent_object_id AND c.column_id = fkc.parent_column_id
JOIN sys.tables rt ON rt.object_id = fkc.referenced_object_id
JOIN sys.schemas rs ON rs.schema_id = rt.schema_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
ORDER BY s.name, t.name, fk.name, fkc.constraint_column_id`

const indexColumnsQuery = `
SELECT s.name, t.name, i.name, c.name, i.is_unique,
       CAST(CASE WHEN i.type_desc = 'CLUSTERED' THEN 1 ELSE 0 END AS bit)
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN sys.tables t ON t.object_id = i.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE i.is_primary_key = 0 AND i.name IS NOT NULL AND ic.is_included_column = 0
  AND t.is_ms_shipped = 0
ORDER BY s.name, t.name, i.name, ic.key_ordinal`

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
SELECT s.name, t.name, c.name, ty.name, c.max_length, c.is_nullable,
       CAST(CASE WHEN EXISTS (
           SELECT 1 FROM sys.index_columns ic
           JOIN sys.indexes i ON i.object_id = ic.object_id AND i.index_id = ic.index_id
           WHERE i.is_primary_key = 1 AND ic.object_id = c.object_id AND ic.column_id = c.column_id
       ) THEN 1 ELSE 0 END AS bit)
FROM sys.columns c
JOIN sys.tables t ON t.object_id = c.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
JOIN sys.types ty ON ty.user_type_id = c.user_type_id
WHERE t.is_ms_shipped = 0
ORDER BY s.name, t.name, c.column_id`

// rawType renders the column type the way it would appear in DDL.
func rawType(name string, maxLength int64) string {
	switch name {
	case "varchar", "char", "varbinary", "binary":
		if maxLength < 0 {
			return name + "(max)"
		}
		return fmt.Sprintf("%s(%d)", name, maxLength)
	case "nvarchar", "nchar":
		if maxLength < 0 {
			return name + "(max)"
		}
		return fmt.Sprintf("%s(%d)", name, maxLength/2)
	}
	return name
}

func (Dialect) RawTables(ctx context.Context, db *sql.DB) ([]datasource.RawTable, error) {
	var tables []datasource.RawTable
	pos := map[string]int{}

	err := sqlbase.Each(ctx, db, rawColumnsQuery, func(r *sql.Rows) error {
		var schema, table, column, typeName string
		var maxLength int64
		var nullable, primary bool
		if err := r.Scan(&schema, &table, &column, &typeName, &maxLength, &nullable, &primary); err != nil {
			return err
		}
		key := schema + "." + table
		i, ok := pos[key]
		if !ok {
			i = len(tables)
			pos[key] = i
			tables = append(tables, datasource.RawTable{Schema: schema, Name: table})
		}
		def := column + " " + rawType(typeName, maxLength)
		if !nullable {
			def += " NOT NULL"
		}
		if primary {
			def += " PRIMARY KEY"
		}
		tables[i].Columns = append(tables[i].Columns, def)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list columns")
	}

	err = sqlbase.Each(ctx, db, foreignKeysQuery, func(r *sql.Rows) error {
		var f datasource.ForeignKeyRow
		if err := r.Scan(&f.Schema, &f.Table, &f.Constraint, &f.Column,
			&f.ReferencedSchema, &f.ReferencedTable, &f.ReferencedColumn, &f.OnDelete, &f.OnUpdate); err != nil {
			return err
		}
		if i, ok := pos[f.Schema+"."+f.Table]; ok {
			tables[i].Notes = append(tables[i].Notes, fmt.Sprintf("%s REFERENCES %s.%s(%s)",
				f.Column, f.ReferencedSchema, f.ReferencedTable, f.ReferencedColumn))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list foreign keys")
	}
	return tables, nil
}
