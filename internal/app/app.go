// Package app wires the configured stores, engine adapters and model
// providers into the services shared by the server and the worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/chat"
	"github.com/suPer8Hu/querychat/internal/config"
	"github.com/suPer8Hu/querychat/internal/connection"
	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/datasource/mongodb"
	"github.com/suPer8Hu/querychat/internal/datasource/mssql"
	"github.com/suPer8Hu/querychat/internal/datasource/mysql"
	"github.com/suPer8Hu/querychat/internal/datasource/postgres"
	"github.com/suPer8Hu/querychat/internal/db"
	"github.com/suPer8Hu/querychat/internal/observability"
	"github.com/suPer8Hu/querychat/internal/store/redisstore"
	"github.com/suPer8Hu/querychat/internal/stream"
	"gorm.io/gorm"
)

type App struct {
	Cfg      config.Config
	Log      *slog.Logger
	DB       *gorm.DB
	Redis    *redisstore.Store // nil without REDIS_ADDR
	Hub      *stream.Hub
	Bridge   *stream.RedisBridge // nil without Redis
	Adapters *datasource.Registry
	Conns    *connection.Service
	Chat     *chat.Service
}

// connectDB is swapped in tests.
var connectDB = db.Connect

// New opens the stores and builds the services. Call Close when done.
func New(cfg config.Config, log *slog.Logger) (*App, error) {
	gdb, err := connectDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a := &App{Cfg: cfg, Log: log, DB: gdb}
	if err := db.Migrate(gdb); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	creds, err := credential.NewSealed(cfg.CredentialKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	adapters := NewAdapters(creds, datasource.Options{
		ConnectTimeout:   cfg.DBConnectTimeout,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	conns := connection.NewService(connection.NewRepo(gdb), creds, adapters)

	hub := stream.NewHub(cfg.StreamBuffer, stream.WithDropHook(func(stream.Event) {
		observability.IncrementDroppedEvents()
	}))

	a.Hub, a.Adapters, a.Conns = hub, adapters, conns
	deps := chat.Deps{
		Repo:      chat.NewRepo(gdb),
		Providers: NewProviders(cfg),
		Adapters:  adapters,
		Sources:   conns,
		Publisher: hub,
		Logger:    log,
	}

	if cfg.RedisAddr != "" {
		rs, err := redisstore.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rs
		a.Bridge = stream.NewRedisBridge(rs.Client(), hub, log)
		deps.Publisher = a.Bridge
		deps.SchemaCache = rs
		deps.Locker = rs
	} else {
		log.Warn("REDIS_ADDR is empty: events stay on this instance and turns are not serialized across instances")
	}

	a.Chat = chat.NewService(deps, chat.Options{
		ContextWindow:     cfg.ChatContextWindowSize,
		SchemaCacheTTL:    cfg.SchemaCacheTTL,
		TurnLockTTL:       cfg.TurnLockTTL,
		GenerationTimeout: cfg.AITimeout,
		DefaultProvider:   cfg.AIProvider,
		DefaultModel:      defaultModel(cfg),
	})
	return a, nil
}

// StartRelay replays events from other instances into the local hub until
// ctx is done. Without Redis it does nothing.
func (a *App) StartRelay(ctx context.Context) error {
	if a.Bridge == nil {
		return nil
	}
	return a.Bridge.Start(ctx)
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// NewAdapters registers one adapter per supported engine.
func NewAdapters(creds credential.Decrypter, opts datasource.Options) *datasource.Registry {
	return datasource.NewRegistry(
		postgres.New(creds, opts),
		mysql.New(creds, opts),
		mssql.New(creds, opts),
		mongodb.New(creds, opts),
	)
}

// NewProviders registers the model backends a conversation can name. An
// empty model falls back to the configured one.
func NewProviders(cfg config.Config) *ai.Registry {
	settings := ai.Settings{MaxTokens: cfg.AIMaxTokens}
	temperature := cfg.AITemperature
	settings.Temperature = &temperature
	client := &http.Client{Timeout: cfg.AITimeout}

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := ai.NewOllamaProvider(cfg.OllamaBaseURL, m, settings)
		p.Client = client
		return p, nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider needs OPENAI_API_KEY")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		p := ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, m, settings)
		p.SiteURL = cfg.OpenAISiteURL
		p.AppName = cfg.OpenAIAppName
		p.Client = client
		return p, nil
	})
	return reg
}

func defaultModel(cfg config.Config) string {
	if cfg.AIProvider == "openai" {
		return cfg.OpenAIModel
	}
	return cfg.OllamaModel
}
