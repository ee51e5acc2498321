package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/stream"
	"gorm.io/gorm"
)

// fakeProvider answers with parts, streamed one by one. It can fail after
// failAfter parts or hang after the first part until cancelled.
type fakeProvider struct {
	parts     []string
	tokens    int
	err       error
	failAfter int
	hang      bool

	mu   sync.Mutex
	seen [][]ai.Message
}

func (p *fakeProvider) record(messages []ai.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, append([]ai.Message(nil), messages...))
}

func (p *fakeProvider) lastRequest() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.seen) == 0 {
		return nil
	}
	return p.seen[len(p.seen)-1]
}

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (ai.Reply, error) {
	p.record(messages)
	if p.err != nil {
		return ai.Reply{}, p.err
	}
	return ai.Reply{Content: strings.Join(p.parts, ""), TokensUsed: p.tokens}, nil
}

func (p *fakeProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan ai.Delta, <-chan error) {
	p.record(messages)
	deltas := make(chan ai.Delta)
	errs := make(chan error, 1)
	go func() {
		defer close(deltas)
		defer close(errs)
		if p.err != nil {
			errs <- p.err
			return
		}
		for i, part := range p.parts {
			if p.failAfter > 0 && i == p.failAfter {
				errs <- errors.New("upstream closed the connection")
				return
			}
			select {
			case deltas <- ai.Delta{Content: part}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if p.hang {
				<-ctx.Done()
				errs <- ctx.Err()
				return
			}
		}
		select {
		case deltas <- ai.Delta{TokensUsed: p.tokens}:
		case <-ctx.Done():
		}
	}()
	return deltas, errs
}

type fakeAdapter struct {
	raw     string
	rawErr  error
	result  *datasource.QueryResult
	execErr error

	mu       sync.Mutex
	rawCalls int
	queries  []string
}

func (a *fakeAdapter) Kind() datasource.EngineKind { return datasource.EnginePostgres }

func (a *fakeAdapter) TestConnection(context.Context, datasource.Descriptor) bool { return true }

func (a *fakeAdapter) GetRawSchema(context.Context, datasource.Descriptor) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rawCalls++
	return a.raw, a.rawErr
}

func (a *fakeAdapter) GetStructuredSchema(context.Context, datasource.Descriptor) (*datasource.Schema, error) {
	return &datasource.Schema{}, nil
}

func (a *fakeAdapter) ExecuteQuery(_ context.Context, _ datasource.Descriptor, query string) (*datasource.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries = append(a.queries, query)
	if a.execErr != nil {
		return nil, a.execErr
	}
	return a.result, nil
}

func (a *fakeAdapter) calls() (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rawCalls, append([]string(nil), a.queries...)
}

// fakeSources knows one connection per id, each with an owner.
type fakeSources map[string]uint64

var errNoConnection = errors.New("connection not found")

func (f fakeSources) Descriptor(_ context.Context, ownerID uint64, connectionID string) (datasource.Descriptor, error) {
	owner, ok := f[connectionID]
	if !ok || owner != ownerID {
		return datasource.Descriptor{}, errNoConnection
	}
	return datasource.Descriptor{ID: connectionID, Kind: datasource.EnginePostgres, Host: "db.internal", DatabaseName: "shop"}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []stream.Event
	hook   func(stream.Event)
}

func (l *eventLog) Publish(_ context.Context, ev stream.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (l *eventLog) types() []stream.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stream.EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) of(t stream.EventType) []stream.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []stream.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) terminals() int {
	n := 0
	for _, t := range l.types() {
		if t.Terminal() {
			n++
		}
	}
	return n
}

type fakeLocker struct{ busy bool }

func (l *fakeLocker) AcquireTurnLock(context.Context, string, time.Duration) (func(), bool, error) {
	if l.busy {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// every connection to file::memory: is a new database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Conversation{}, &Message{}, &SchemaCache{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

const shopSchema = `-- postgres database shop
CREATE TABLE public.users (
  id integer NOT NULL PRIMARY KEY,
  name text NOT NULL
);
CREATE TABLE public.orders (
  id integer NOT NULL PRIMARY KEY,
  user_id integer NOT NULL
);
-- public.orders.user_id REFERENCES public.users(id)
`

type harness struct {
	db      *gorm.DB
	repo    *Repo
	svc     *Service
	prov    *fakeProvider
	adapter *fakeAdapter
	events  *eventLog
	conv    *Conversation
}

func newHarness(t *testing.T, prov *fakeProvider, opts Options, mutate ...func(*Deps)) *harness {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	adapter := &fakeAdapter{
		raw: shopSchema,
		result: datasource.NewResult(
			[]string{"name", "orders"},
			[]map[string]any{{"name": "ada", "orders": int64(3)}, {"name": "linus", "orders": int64(1)}},
			time.Now(),
		),
	}
	events := &eventLog{}

	deps := Deps{
		Repo:      repo,
		Providers: reg,
		Adapters:  datasource.NewRegistry(adapter),
		Sources:   fakeSources{"conn-1": 1, "conn-2": 2},
		Publisher: events,
	}
	for _, m := range mutate {
		m(&deps)
	}
	svc := NewService(deps, opts)

	conv, err := svc.CreateConversation(context.Background(), 1, NewConversation{ConnectionID: "conn-1", Provider: "fake", Model: "test"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return &harness{db: db, repo: repo, svc: svc, prov: prov, adapter: adapter, events: events, conv: conv}
}

func (h *harness) messages(t *testing.T) []Message {
	t.Helper()
	var msgs []Message
	if err := h.db.Where("conversation_id = ?", h.conv.ID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	return msgs
}

func decodePayload[T any](t *testing.T, ev stream.Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Type, err)
	}
	return v
}
