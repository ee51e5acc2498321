package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/querychat/internal/app"
	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
)

const passwordEnv = "QUERYCHAT_PASSWORD"

// target is the database every command talks to, built from flags.
type target struct {
	engine   string
	host     string
	port     int
	database string
	username string
	password string
	ssl      bool

	connectTimeout   time.Duration
	statementTimeout time.Duration
}

func (t *target) resolve() (datasource.Adapter, datasource.Descriptor, error) {
	kind, err := datasource.ParseEngineKind(t.engine)
	if err != nil {
		return nil, datasource.Descriptor{}, err
	}
	password := t.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	reg := app.NewAdapters(credential.Plaintext{}, datasource.Options{
		ConnectTimeout:   t.connectTimeout,
		StatementTimeout: t.statementTimeout,
	})
	a, err := reg.Get(kind)
	if err != nil {
		return nil, datasource.Descriptor{}, err
	}
	return a, datasource.Descriptor{
		ID:           "cli",
		Kind:         kind,
		Host:         t.host,
		Port:         t.port,
		DatabaseName: t.database,
		Username:     t.username,
		SecretRef:    password,
		SSL:          t.ssl,
	}, nil
}

func newRootCmd() *cobra.Command {
	t := &target{}
	root := &cobra.Command{
		Use:           "querychat",
		Short:         "Inspect and query databases through the querychat engine adapters",
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVarP(&t.engine, "engine", "e", "postgres", "engine: postgres, mysql, sqlserver or mongodb")
	f.StringVarP(&t.host, "host", "H", "localhost", "database host")
	f.IntVarP(&t.port, "port", "p", 0, "database port (engine default when 0)")
	f.StringVarP(&t.database, "database", "d", "", "database name")
	f.StringVarP(&t.username, "user", "u", "", "user name")
	f.StringVar(&t.password, "password", "", "password (default $"+passwordEnv+")")
	f.BoolVar(&t.ssl, "ssl", false, "require TLS")
	f.DurationVar(&t.connectTimeout, "connect-timeout", 10*time.Second, "connect timeout")
	f.DurationVar(&t.statementTimeout, "statement-timeout", 30*time.Second, "statement timeout")

	root.AddCommand(
		newTestCmd(t),
		newSchemaCmd(t),
		newRawSchemaCmd(t),
		newQueryCmd(t),
	)
	return root
}

func newTestCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check that the database accepts a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, d, err := t.resolve()
			if err != nil {
				return err
			}
			if !a.TestConnection(cmd.Context(), d) {
				return fmt.Errorf("cannot connect to %s at %s", d.Kind, d.Host)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newSchemaCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the normalized schema as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, d, err := t.resolve()
			if err != nil {
				return err
			}
			schema, err := a.GetStructuredSchema(cmd.Context(), d)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), schema)
		},
	}
}

func newRawSchemaCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "raw-schema",
		Short: "Print the schema as the text sent to the language model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, d, err := t.resolve()
			if err != nil {
				return err
			}
			raw, err := a.GetRawSchema(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), raw)
			return nil
		},
	}
}

func newQueryCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "query [statement]",
		Short: "Run one statement (or, for mongodb, one command document) and print the result as JSON",
		Example: `  querychat query -e postgres -d shop "SELECT name FROM users LIMIT 5"
  querychat query -e mongodb -d shop '{"find": "orders", "limit": 5}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, d, err := t.resolve()
			if err != nil {
				return err
			}
			res, err := a.ExecuteQuery(cmd.Context(), d, args[0])
			if err != nil {
				return fmt.Errorf("%s", datasource.NativeMessage(err))
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
