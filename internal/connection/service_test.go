package connection

import (
	"context"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"gorm.io/gorm"
)

// recordingAdapter remembers the password it was handed through the descriptor.
type recordingAdapter struct {
	creds    credential.Decrypter
	password string
	query    string
}

func (a *recordingAdapter) Kind() datasource.EngineKind { return datasource.EnginePostgres }

func (a *recordingAdapter) TestConnection(_ context.Context, d datasource.Descriptor) bool {
	pw, err := a.creds.Decrypt(d.SecretRef)
	a.password = pw
	return err == nil && pw == "s3cret"
}

func (a *recordingAdapter) GetRawSchema(context.Context, datasource.Descriptor) (string, error) {
	return "CREATE TABLE users (id integer);", nil
}

func (a *recordingAdapter) GetStructuredSchema(context.Context, datasource.Descriptor) (*datasource.Schema, error) {
	return &datasource.Schema{Tables: []datasource.TableSchema{{Name: "users"}}}, nil
}

func (a *recordingAdapter) ExecuteQuery(_ context.Context, _ datasource.Descriptor, query string) (*datasource.QueryResult, error) {
	a.query = query
	return datasource.NewResult([]string{"n"}, []map[string]any{{"n": int64(1)}}, time.Now()), nil
}

func newTestService(t *testing.T) (*Service, *recordingAdapter, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Connection{}))

	creds, err := credential.NewSealed("test-master-key")
	require.NoError(t, err)
	adapter := &recordingAdapter{creds: creds}
	return NewService(NewRepo(db), creds, datasource.NewRegistry(adapter)), adapter, db
}

func TestCreateSealsPassword(t *testing.T) {
	svc, adapter, db := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, 7, NewConnection{Name: " shop ", Engine: "PostgreSQL", Host: "db.internal", Database: "shop", Username: "reader", Password: "s3cret"})
	require.NoError(t, err)
	assert.Len(t, c.ID, 26)
	assert.Equal(t, "shop", c.Name)
	assert.Equal(t, "postgres", c.Kind)
	assert.Equal(t, 5432, c.Port)

	var stored Connection
	require.NoError(t, db.First(&stored, "id = ?", c.ID).Error)
	assert.NotEmpty(t, stored.SecretRef)
	assert.NotContains(t, stored.SecretRef, "s3cret")

	ok, err := svc.Test(ctx, 7, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", adapter.password)
}

func TestCreateRejectsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string]NewConnection{
		"unknown engine":       {Name: "x", Engine: "oracle", Host: "h", Database: "d"},
		"no adapter for mysql": {Name: "x", Engine: "mysql", Host: "h", Database: "d"},
		"blank host":           {Name: "x", Engine: "postgres", Host: "  ", Database: "d"},
		"bad port":             {Name: "x", Engine: "postgres", Host: "h", Database: "d", Port: 70000},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, 1, req)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, 1, NewConnection{Name: "a", Engine: "postgres", Host: "h", Database: "d"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, 2, NewConnection{Name: "b", Engine: "postgres", Host: "h", Database: "d"})
	require.NoError(t, err)

	_, err = svc.Descriptor(ctx, 2, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Query(ctx, 2, c.ID, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, 2, c.ID), ErrNotFound)

	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Name)

	d, err := svc.Descriptor(ctx, 1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, datasource.EnginePostgres, d.Kind)
	assert.Equal(t, "d", d.DatabaseName)

	require.NoError(t, svc.Delete(ctx, 1, c.ID))
	_, err = svc.Get(ctx, 1, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSchemaAndQuery(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, 1, NewConnection{Name: "a", Engine: "pg", Host: "h", Database: "d"})
	require.NoError(t, err)

	raw, err := svc.RawSchema(ctx, 1, c.ID)
	require.NoError(t, err)
	assert.Contains(t, raw, "CREATE TABLE users")

	schema, err := svc.StructuredSchema(ctx, 1, c.ID)
	require.NoError(t, err)
	require.Len(t, schema.Tables, 1)

	res, err := svc.Query(ctx, 1, c.ID, "SELECT count(*) AS n FROM users")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, "SELECT count(*) AS n FROM users", adapter.query)

	_, err = svc.Query(ctx, 1, c.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalid)
}
