package chat

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/observability"
	"gorm.io/gorm"
)

// boundSource is the data source of one conversation, resolved for a turn.
type boundSource struct {
	dialect string
	engine  string
	schema  func(ctx context.Context) (string, error)
	execute func(ctx context.Context, query string) (*datasource.QueryResult, error)
}

func (s *Service) bindSource(ctx context.Context, conv *Conversation) (*boundSource, error) {
	switch {
	case conv.ConnectionID != nil:
		d, err := s.sources.Descriptor(ctx, conv.UserID, *conv.ConnectionID)
		if err != nil {
			return nil, err
		}
		adapter, err := s.adapters.Get(d.Kind)
		if err != nil {
			return nil, err
		}
		return &boundSource{
			dialect: string(d.Kind),
			engine:  string(d.Kind),
			schema: func(ctx context.Context) (string, error) {
				return s.schemaContext(ctx, adapter, d)
			},
			execute: func(ctx context.Context, query string) (*datasource.QueryResult, error) {
				return adapter.ExecuteQuery(ctx, d, query)
			},
		}, nil

	case conv.FileSourceID != nil:
		if s.files == nil {
			return nil, ErrUnsupportedSource
		}
		fileID := *conv.FileSourceID
		return &boundSource{
			dialect: s.files.Dialect(),
			engine:  "file",
			schema: func(ctx context.Context) (string, error) {
				return s.files.Schema(ctx, conv.UserID, fileID)
			},
			execute: func(ctx context.Context, query string) (*datasource.QueryResult, error) {
				return s.files.Query(ctx, conv.UserID, fileID, query)
			},
		}, nil
	}
	return nil, ErrUnsupportedSource
}

// schemaContext returns the raw schema of d, from the shared cache, the
// schema_caches table or the engine, in that order. Entries older than
// SchemaCacheTTL are refreshed.
func (s *Service) schemaContext(ctx context.Context, adapter datasource.Adapter, d datasource.Descriptor) (string, error) {
	ttl := s.opts.SchemaCacheTTL
	if ttl > 0 {
		if s.cache != nil {
			raw, ok, err := s.cache.GetSchema(ctx, d.ID)
			if err != nil {
				s.log.Warn("schema cache read", "connection_id", d.ID, "err", err)
			} else if ok {
				observability.ObserveSchemaCache("redis_hit")
				return raw, nil
			}
		}

		sc, err := s.repo.GetSchemaCache(ctx, d.ID)
		switch {
		case err == nil && time.Since(sc.UpdatedAt) < ttl:
			observability.ObserveSchemaCache("db_hit")
			s.warmCache(ctx, d.ID, sc.RawSchema, ttl-time.Since(sc.UpdatedAt))
			return sc.RawSchema, nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return "", err
		}
	}

	observability.ObserveSchemaCache("miss")
	raw, err := adapter.GetRawSchema(ctx, d)
	if err != nil {
		return "", err
	}
	if ttl > 0 {
		if err := s.repo.UpsertSchemaCache(ctx, &SchemaCache{ConnectionID: d.ID, RawSchema: raw}); err != nil {
			s.log.Warn("schema cache write", "connection_id", d.ID, "err", err)
		}
		s.warmCache(ctx, d.ID, raw, ttl)
	}
	return raw, nil
}

func (s *Service) warmCache(ctx context.Context, connectionID, raw string, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.SetSchema(ctx, connectionID, raw, ttl); err != nil {
		s.log.Warn("schema cache write", "connection_id", connectionID, "err", err)
	}
}

// RefreshSchema drops every cached copy of the connection's schema and
// reads it again from the engine.
func (s *Service) RefreshSchema(ctx context.Context, userID uint64, connectionID string) (string, error) {
	d, err := s.sources.Descriptor(ctx, userID, connectionID)
	if err != nil {
		return "", err
	}
	adapter, err := s.adapters.Get(d.Kind)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		if err := s.cache.DeleteSchema(ctx, d.ID); err != nil {
			s.log.Warn("schema cache delete", "connection_id", d.ID, "err", err)
		}
	}
	if err := s.repo.DeleteSchemaCache(ctx, d.ID); err != nil {
		return "", err
	}
	return s.schemaContext(ctx, adapter, d)
}
