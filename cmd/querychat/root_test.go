package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/querychat/internal/datasource"
)

func run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := run("--help")
	require.NoError(t, err)
	for _, name := range []string{"test", "schema", "raw-schema", "query"} {
		assert.Contains(t, out, name)
	}
}

func TestUnknownEngine(t *testing.T) {
	_, err := run("test", "--engine", "oracle")
	assert.ErrorIs(t, err, datasource.ErrUnsupportedEngine)
}

func TestQueryNeedsStatement(t *testing.T) {
	_, err := run("query", "-e", "postgres")
	assert.Error(t, err)
}

func TestResolveReadsPasswordFromEnv(t *testing.T) {
	t.Setenv(passwordEnv, "from-env")
	tg := &target{engine: "mssql", host: "db", database: "shop", username: "sa"}
	a, d, err := tg.resolve()
	require.NoError(t, err)
	assert.Equal(t, datasource.EngineSQLServer, a.Kind())
	assert.Equal(t, datasource.EngineSQLServer, d.Kind)
	assert.Equal(t, "from-env", d.SecretRef)

	tg.password = "from-flag"
	_, d, err = tg.resolve()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", d.SecretRef)
}
