// Package sqlbase implements the engine adapter contract once for every
// database/sql engine; each engine contributes a Dialect with its DSN format
// and catalog queries.
package sqlbase

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
)

type Opener func(driverName, dsn string) (*sql.DB, error)

type Dialect interface {
	Kind() datasource.EngineKind
	DriverName() string
	DSN(d datasource.Descriptor, password string, opts datasource.Options) (string, error)

	// Catalog reads the rows Assemble needs.
	Catalog(ctx context.Context, db *sql.DB) (datasource.CatalogRows, error)

	// RawTables reads the compact per-table column listing used for the raw dump.
	RawTables(ctx context.Context, db *sql.DB) ([]datasource.RawTable, error)
}

type Adapter struct {
	dialect Dialect
	creds   credential.Decrypter
	opts    datasource.Options
	open    Opener
}

func New(dialect Dialect, creds credential.Decrypter, opts datasource.Options) *Adapter {
	return &Adapter{
		dialect: dialect,
		creds:   creds,
		opts:    opts.WithDefaults(),
		open:    sql.Open,
	}
}

// WithOpener replaces sql.Open, e.g. with a sqlmock connection in tests.
func (a *Adapter) WithOpener(o Opener) *Adapter {
	a.open = o
	return a
}

func (a *Adapter) Kind() datasource.EngineKind { return a.dialect.Kind() }

func (a *Adapter) connect(ctx context.Context, d datasource.Descriptor) (*sql.DB, error) {
	kind := a.dialect.Kind()

	password, err := a.creds.Decrypt(d.SecretRef)
	if err != nil {
		return nil, datasource.ConnectionError(kind, err, "decrypt credentials")
	}
	dsn, err := a.dialect.DSN(d, password, a.opts)
	if err != nil {
		return nil, datasource.ConnectionError(kind, err, "build connection string")
	}

	db, err := a.open(a.dialect.DriverName(), dsn)
	if err != nil {
		return nil, datasource.ConnectionError(kind, err, "open connection")
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, datasource.ConnectionError(kind, err, "ping")
	}
	return db, nil
}

func (a *Adapter) TestConnection(ctx context.Context, d datasource.Descriptor) bool {
	db, err := a.connect(ctx, d)
	if err != nil {
		return false
	}
	_ = db.Close()
	return true
}

func (a *Adapter) GetStructuredSchema(ctx context.Context, d datasource.Descriptor) (*datasource.Schema, error) {
	db, err := a.connect(ctx, d)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	qctx, cancel := context.WithTimeout(ctx, a.opts.StatementTimeout)
	defer cancel()

	rows, err := a.dialect.Catalog(qctx, db)
	if err != nil {
		return nil, datasource.SchemaError(a.dialect.Kind(), err, "read catalog")
	}
	return datasource.Assemble(rows), nil
}

func (a *Adapter) GetRawSchema(ctx context.Context, d datasource.Descriptor) (string, error) {
	db, err := a.connect(ctx, d)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	qctx, cancel := context.WithTimeout(ctx, a.opts.StatementTimeout)
	defer cancel()

	tables, err := a.dialect.RawTables(qctx, db)
	if err != nil {
		return "", datasource.SchemaError(a.dialect.Kind(), err, "read column listing")
	}
	header := string(a.dialect.Kind()) + " database " + d.DatabaseName
	return datasource.RenderRaw(header, tables), nil
}

func (a *Adapter) ExecuteQuery(ctx context.Context, d datasource.Descriptor, query string) (*datasource.QueryResult, error) {
	db, err := a.connect(ctx, d)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	qctx, cancel := context.WithTimeout(ctx, a.opts.StatementTimeout)
	defer cancel()

	rows, err := db.QueryContext(qctx, query)
	if err != nil {
		return nil, datasource.QueryError(a.dialect.Kind(), err)
	}
	defer func() { _ = rows.Close() }()

	result, err := datasource.Materialize(rows)
	if err != nil {
		return nil, datasource.QueryError(a.dialect.Kind(), err)
	}
	return result, nil
}

// Each runs query and calls scan once per row.
func Each(ctx context.Context, db *sql.DB, query string, scan func(*sql.Rows) error, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return errors.Wrap(err, "scan catalog row")
		}
	}
	return rows.Err()
}

// Nullable helpers used by the dialects' scanners.

func StringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func Int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
