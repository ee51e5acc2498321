package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/auth"
	"github.com/suPer8Hu/querychat/internal/chat"
	"github.com/suPer8Hu/querychat/internal/connection"
	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/db"
	"github.com/suPer8Hu/querychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/querychat/internal/stream"
)

const jwtSecret = "router-test-secret"

type scriptedModel struct{ reply string }

func (m scriptedModel) Chat(context.Context, []ai.Message) (ai.Reply, error) {
	return ai.Reply{Content: m.reply, TokensUsed: 12}, nil
}

type shopAdapter struct{}

func (shopAdapter) Kind() datasource.EngineKind { return datasource.EnginePostgres }

func (shopAdapter) TestConnection(context.Context, datasource.Descriptor) bool { return true }

func (shopAdapter) GetRawSchema(context.Context, datasource.Descriptor) (string, error) {
	return "CREATE TABLE public.users (id integer NOT NULL, name text);", nil
}

func (shopAdapter) GetStructuredSchema(context.Context, datasource.Descriptor) (*datasource.Schema, error) {
	return &datasource.Schema{Tables: []datasource.TableSchema{{Name: "users"}}}, nil
}

func (shopAdapter) ExecuteQuery(_ context.Context, _ datasource.Descriptor, query string) (*datasource.QueryResult, error) {
	if strings.Contains(query, "missing") {
		return nil, datasource.QueryError(datasource.EnginePostgres, errors.New(`relation "missing" does not exist`))
	}
	return datasource.NewResult([]string{"name"}, []map[string]any{{"name": "ada"}, {"name": "linus"}}, time.Now()), nil
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) PublishJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return nil
}

type testServer struct {
	engine *gin.Engine
	queue  *recordingQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Connect("sqlite", "file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds, err := credential.NewSealed("router-test-key")
	require.NoError(t, err)
	adapters := datasource.NewRegistry(shopAdapter{})
	conns := connection.NewService(connection.NewRepo(gdb), creds, adapters)

	providers := ai.NewRegistry()
	providers.Register("scripted", func(context.Context, string) (ai.Provider, error) {
		return scriptedModel{reply: "All users:\n```sql\nSELECT name FROM users;\n```"}, nil
	})

	hub := stream.NewHub(64)
	chatSvc := chat.NewService(chat.Deps{
		Repo:      chat.NewRepo(gdb),
		Providers: providers,
		Adapters:  adapters,
		Sources:   conns,
		Publisher: hub,
		Logger:    log,
	}, chat.Options{DefaultProvider: "scripted", DefaultModel: "v1"})

	queue := &recordingQueue{}
	h := handlers.NewHandler(conns, chatSvc, hub, queue, log)
	return &testServer{engine: NewRouter(h, jwtSecret, log), queue: queue}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, userID uint64, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := auth.SignJWT(userID, jwtSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// setup creates a connection and a conversation on it for user 1.
func (s *testServer) setup(t *testing.T) (connID, convID string) {
	t.Helper()
	w, env := s.do(t, 1, http.MethodPost, "/connections", gin.H{
		"name": "shop", "engine": "postgres", "host": "db.internal", "database": "shop", "password": "pw",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	conn := decode[struct {
		Connection connection.Connection `json:"connection"`
	}](t, env.Data)

	w, env = s.do(t, 1, http.MethodPost, "/conversations", gin.H{"connection_id": conn.Connection.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	conv := decode[struct {
		Conversation chat.Conversation `json:"conversation"`
	}](t, env.Data)
	return conn.Connection.ID, conv.Conversation.ID
}

func TestPingAndAuth(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, 0, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.Code)

	w, _ = s.do(t, 0, http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env = s.do(t, 1, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)
}

func TestConnectionEndpoints(t *testing.T) {
	s := newTestServer(t)
	connID, _ := s.setup(t)

	w, env := s.do(t, 1, http.MethodPost, "/connections/"+connID+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, string(env.Data))

	w, env = s.do(t, 1, http.MethodGet, "/connections/"+connID+"/schema/raw", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "CREATE TABLE public.users")

	w, env = s.do(t, 1, http.MethodPost, "/connections/"+connID+"/query", gin.H{"query": "SELECT name FROM users"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[struct {
		Result datasource.QueryResult `json:"result"`
	}](t, env.Data)
	assert.Equal(t, 2, res.Result.RowCount)

	w, env = s.do(t, 1, http.MethodPost, "/connections/"+connID+"/query", gin.H{"query": "SELECT * FROM missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, `relation "missing" does not exist`, env.Message)

	w, env = s.do(t, 2, http.MethodGet, "/connections/"+connID+"/schema", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "connection not found", env.Message)

	w, _ = s.do(t, 1, http.MethodPost, "/connections", gin.H{"name": "x", "engine": "oracle", "host": "h", "database": "d"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendChatMessage(t *testing.T) {
	s := newTestServer(t)
	_, convID := s.setup(t)

	w, env := s.do(t, 1, http.MethodPost, "/chat/messages", gin.H{"conversation_id": convID, "message": "list all users"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		AssistantMessage struct {
			GeneratedQuery string `json:"generated_query"`
		} `json:"assistant_message"`
		QueryResult datasource.QueryResult `json:"query_result"`
		TokensUsed  int                    `json:"tokens_used"`
	}](t, env.Data)
	assert.Equal(t, "SELECT name FROM users;", out.AssistantMessage.GeneratedQuery)
	assert.Equal(t, 2, out.QueryResult.RowCount)
	assert.Equal(t, 12, out.TokensUsed)

	w, env = s.do(t, 1, http.MethodGet, "/conversations/"+convID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Messages []json.RawMessage `json:"messages"`
	}](t, env.Data)
	assert.Len(t, page.Messages, 2)

	w, _ = s.do(t, 2, http.MethodPost, "/chat/messages", gin.H{"conversation_id": convID, "message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, 1, http.MethodPost, "/chat/messages", gin.H{"conversation_id": convID, "message": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendChatMessageStream(t *testing.T) {
	s := newTestServer(t)
	_, convID := s.setup(t)

	w, _ := s.do(t, 1, http.MethodPost, "/chat/messages/stream", gin.H{"conversation_id": convID, "message": "list all users"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var names []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok && name != "ping" {
			names = append(names, name)
		}
	}
	assert.Equal(t, []string{
		string(stream.StreamStarted),
		string(stream.UserMessageSaved),
		string(stream.StreamChunk),
		string(stream.QueryExecuting),
		string(stream.StreamCompleted),
	}, names)
	assert.Contains(t, w.Body.String(), `"query_result"`)
}

func TestSendChatMessageStreamRejectsBeforeStart(t *testing.T) {
	s := newTestServer(t)
	s.setup(t)

	w, env := s.do(t, 1, http.MethodPost, "/chat/messages/stream", gin.H{"conversation_id": "01NOTACONVERSATION0000000", "message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "conversation not found", env.Message)
}

func TestAsyncJobs(t *testing.T) {
	s := newTestServer(t)
	_, convID := s.setup(t)

	body := gin.H{"conversation_id": convID, "message": "list all users"}
	w, env := s.do(t, 1, http.MethodPost, "/chat/messages/async", body, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}](t, env.Data)
	assert.Equal(t, "queued", first.Status)

	_, env = s.do(t, 1, http.MethodPost, "/chat/messages/async", body, "Idempotency-Key", "req-1")
	second := decode[struct {
		JobID string `json:"job_id"`
	}](t, env.Data)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, []string{first.JobID, first.JobID}, s.queue.ids)

	w, env = s.do(t, 1, http.MethodGet, "/chat/jobs/"+first.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[struct {
		Job chat.Job `json:"job"`
	}](t, env.Data)
	assert.Equal(t, chat.JobQueued, job.Job.Status)
	assert.Equal(t, convID, job.Job.ConversationID)

	w, _ = s.do(t, 2, http.MethodGet, "/chat/jobs/"+first.JobID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, 1, http.MethodPost, "/chat/messages/async", body, "Idempotency-Key", strings.Repeat("k", 200))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
