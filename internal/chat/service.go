package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/common"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/observability"
	"github.com/suPer8Hu/querychat/internal/stream"
	"gorm.io/gorm"
)

// Sources resolves a saved connection for its owner.
type Sources interface {
	Descriptor(ctx context.Context, ownerID uint64, connectionID string) (datasource.Descriptor, error)
}

// TabularSource answers queries over uploaded files. Conversations bound to
// a file source fail with ErrUnsupportedSource unless one is configured.
type TabularSource interface {
	Dialect() string
	Schema(ctx context.Context, ownerID uint64, fileSourceID string) (string, error)
	Query(ctx context.Context, ownerID uint64, fileSourceID, query string) (*datasource.QueryResult, error)
}

// SchemaCacheTier is a shared cache in front of the SchemaCache table.
type SchemaCacheTier interface {
	GetSchema(ctx context.Context, connectionID string) (string, bool, error)
	SetSchema(ctx context.Context, connectionID, schema string, ttl time.Duration) error
	DeleteSchema(ctx context.Context, connectionID string) error
}

// TurnLocker serializes turns within one conversation.
type TurnLocker interface {
	AcquireTurnLock(ctx context.Context, conversationID string, ttl time.Duration) (release func(), acquired bool, err error)
}

type Options struct {
	// ContextWindow is the number of prior messages sent with a turn.
	ContextWindow int
	// SchemaCacheTTL is how long a cached schema is used; 0 disables caching.
	SchemaCacheTTL    time.Duration
	TurnLockTTL       time.Duration
	GenerationTimeout time.Duration
	DefaultProvider   string
	DefaultModel      string
}

type Deps struct {
	Repo      *Repo
	Providers *ai.Registry
	Adapters  *datasource.Registry
	Sources   Sources
	Publisher stream.Publisher
	Logger    *slog.Logger

	// Optional collaborators.
	Files       TabularSource
	SchemaCache SchemaCacheTier
	Locker      TurnLocker
}

type Service struct {
	repo      *Repo
	providers *ai.Registry
	adapters  *datasource.Registry
	sources   Sources
	pub       stream.Publisher
	log       *slog.Logger
	files     TabularSource
	cache     SchemaCacheTier
	locker    TurnLocker
	opts      Options
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
	defaultTitle    = "New conversation"
)

func NewService(d Deps, opts Options) *Service {
	if opts.ContextWindow <= 0 || opts.ContextWindow > 100 {
		opts.ContextWindow = 20
	}
	if opts.TurnLockTTL <= 0 {
		opts.TurnLockTTL = 5 * time.Minute
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = defaultProvider
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	if d.Publisher == nil {
		d.Publisher = stream.Discard
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		repo:      d.Repo,
		providers: d.Providers,
		adapters:  d.Adapters,
		sources:   d.Sources,
		pub:       d.Publisher,
		log:       d.Logger,
		files:     d.Files,
		cache:     d.SchemaCache,
		locker:    d.Locker,
		opts:      opts,
	}
}

type NewConversation struct {
	ConnectionID string `json:"connection_id"`
	FileSourceID string `json:"file_source_id"`
	Title        string `json:"title"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

func (s *Service) CreateConversation(ctx context.Context, userID uint64, req NewConversation) (*Conversation, error) {
	connID := strings.TrimSpace(req.ConnectionID)
	fileID := strings.TrimSpace(req.FileSourceID)
	if (connID == "") == (fileID == "") {
		return nil, ErrInvalidSource
	}

	conv := &Conversation{
		UserID:   userID,
		Title:    strings.TrimSpace(req.Title),
		Provider: strings.ToLower(strings.TrimSpace(req.Provider)),
		Model:    strings.TrimSpace(req.Model),
	}
	if conv.Title == "" {
		conv.Title = defaultTitle
	}
	if conv.Provider == "" {
		conv.Provider = s.opts.DefaultProvider
	}
	if conv.Model == "" {
		conv.Model = s.opts.DefaultModel
	}

	if connID != "" {
		if _, err := s.sources.Descriptor(ctx, userID, connID); err != nil {
			return nil, err
		}
		conv.ConnectionID = &connID
	} else {
		if s.files == nil {
			return nil, ErrUnsupportedSource
		}
		conv.FileSourceID = &fileID
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	conv.ID = id
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID uint64, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListConversations(ctx, userID, limit)
}

func (s *Service) ownedConversation(ctx context.Context, userID uint64, conversationID string) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (s *Service) ValidateConversationOwner(ctx context.Context, userID uint64, conversationID string) error {
	_, err := s.ownedConversation(ctx, userID, conversationID)
	return err
}

// ListMessages pages backwards from beforeID (exclusive), newest first.
func (s *Service) ListMessages(ctx context.Context, userID uint64, conversationID string, limit int, beforeID uint64) ([]Message, error) {
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, conversationID, limit, beforeID)
}

// TurnRequest is one user message submitted to a conversation.
type TurnRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Message        string `json:"message" binding:"required"`
	// ExecuteQuery defaults to true.
	ExecuteQuery *bool `json:"execute_query"`

	// TurnID tags every event of the turn; generated when empty.
	TurnID string `json:"-"`
	// IdempotencyKey makes re-running the same request reuse its user message.
	IdempotencyKey string `json:"-"`
}

func (r TurnRequest) executeQuery() bool { return r.ExecuteQuery == nil || *r.ExecuteQuery }

type TurnResult struct {
	TurnID           string
	UserMessage      *Message
	AssistantMessage *Message
	Outcome          *QueryOutcome
	TokensUsed       int
}

func (r *TurnResult) Completion() Completion {
	c := Completion{AssistantMessage: r.AssistantMessage, TokensUsed: r.TokensUsed}
	if r.Outcome != nil {
		c.QueryResult = r.Outcome.Result
		c.QueryError = r.Outcome.Error
	}
	return c
}

// RunTurn answers one user message: it persists the message, generates a
// query with the conversation's model, runs it against the bound source and
// persists the assistant reply. With streaming set, every generated fragment
// is published as it arrives. Lifecycle events go to the service publisher
// and end with exactly one stream_completed or stream_error.
//
// Cancelling ctx while the model is generating abandons the turn: nothing
// is executed and ErrTurnAbandoned is returned.
func (s *Service) RunTurn(ctx context.Context, userID uint64, req TurnRequest, streaming bool) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.ownedConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	if s.locker != nil {
		release, acquired, err := s.locker.AcquireTurnLock(ctx, conv.ID, s.opts.TurnLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire turn lock: %w", err)
		}
		if !acquired {
			return nil, ErrTurnInProgress
		}
		defer release()
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	t := newTurn(turnID, conv.ID, s.pub, s.log)
	if err := t.advance(statePreparing); err != nil {
		return nil, err
	}
	t.emit(ctx, stream.StreamStarted, startedPayload{ConversationID: conv.ID, Streaming: streaming})

	res, err := s.run(ctx, t, conv, req, streaming)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrTurnAbandoned) {
			err = fmt.Errorf("%w: %w", ErrTurnAbandoned, err)
		}
		failedIn := t.state
		t.fail(ctx, err)

		outcome := "failed"
		if errors.Is(err, ErrTurnAbandoned) {
			outcome = "abandoned"
		}
		observability.ObserveTurn(outcome)
		t.log.Warn("turn "+outcome, "state", failedIn.String(), "err", err)
		return nil, err
	}
	observability.ObserveTurn("delivered")
	return res, nil
}

func (s *Service) run(ctx context.Context, t *turn, conv *Conversation, req TurnRequest, streaming bool) (*TurnResult, error) {
	src, err := s.bindSource(ctx, conv)
	if err != nil {
		return nil, err
	}
	client, err := s.clientFor(ctx, conv)
	if err != nil {
		return nil, err
	}

	tc, err := s.prepare(ctx, t, conv, src, req)
	if err != nil {
		return nil, err
	}

	if err := t.advance(stateGenerating); err != nil {
		return nil, err
	}
	start := time.Now()
	text, tokens, err := s.generate(ctx, t, client, tc, streaming)
	observability.ObserveGeneration(conv.Provider, time.Since(start))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTurnAbandoned, err)
	}

	if err := t.advance(stateFinalizing); err != nil {
		return nil, err
	}
	assistant, outcome, err := s.finalize(ctx, t, conv, src, text, tokens, req.executeQuery())
	if err != nil {
		return nil, err
	}

	res := &TurnResult{
		TurnID:           t.id,
		UserMessage:      tc.UserMessage,
		AssistantMessage: assistant,
		Outcome:          outcome,
		TokensUsed:       tokens,
	}
	if err := t.deliver(context.WithoutCancel(ctx), res.Completion()); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) clientFor(ctx context.Context, conv *Conversation) (*ai.Client, error) {
	provider, err := s.providers.Get(ctx, conv.Provider, conv.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ai.ErrGeneration, err)
	}
	return ai.NewClient(provider, ai.ClientOptions{
		ContextWindow: s.opts.ContextWindow,
		Timeout:       s.opts.GenerationTimeout,
	}), nil
}

// prepare persists the user message and assembles what the model sees.
func (s *Service) prepare(ctx context.Context, t *turn, conv *Conversation, src *boundSource, req TurnRequest) (*turnContext, error) {
	schema, err := src.schema(ctx)
	if err != nil {
		return nil, err
	}

	userMsg := &Message{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           RoleUser,
		Content:        req.Message,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		userMsg.IdempotencyKey = &key
	}
	saved, _, err := s.repo.InsertMessageOrGetExisting(ctx, userMsg)
	if err != nil {
		return nil, err
	}
	t.emit(ctx, stream.UserMessageSaved, userMessageSavedPayload{
		MessageID: saved.ID,
		Content:   saved.Content,
		CreatedAt: saved.CreatedAt,
	})

	// History is what preceded the turn's user message, also when an
	// idempotent re-run found that message already stored.
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, conv.UserID, conv.ID, s.opts.ContextWindow+1)
	if err != nil {
		return nil, err
	}
	history := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		if m.ID >= saved.ID {
			continue
		}
		history = append(history, ai.Message{Role: m.Role, Content: historyContent(m, src.dialect)})
	}
	if len(history) > s.opts.ContextWindow {
		history = history[len(history)-s.opts.ContextWindow:]
	}

	return &turnContext{
		ConversationID: conv.ID,
		UserMessage:    saved,
		SchemaContext:  ai.SQLSystemPrompt(src.dialect, schema),
		History:        history,
	}, nil
}

// historyContent puts a previously generated query back next to its prose
// so the model sees what it answered.
func historyContent(m Message, dialect string) string {
	if m.Role != RoleAssistant || m.GeneratedQuery == nil {
		return m.Content
	}
	lang := "sql"
	if dialect == string(datasource.EngineMongoDB) {
		lang = "json"
	}
	fenced := "```" + lang + "\n" + *m.GeneratedQuery + "\n```"
	if strings.TrimSpace(m.Content) == "" {
		return fenced
	}
	return fenced + "\n\n" + m.Content
}

func (s *Service) generate(ctx context.Context, t *turn, client *ai.Client, tc *turnContext, streaming bool) (string, int, error) {
	if !streaming {
		return client.Chat(ctx, tc.UserMessage.Content, tc.History, tc.SchemaContext)
	}

	st := client.ChatStream(ctx, tc.UserMessage.Content, tc.History, tc.SchemaContext)
	var b strings.Builder
	for fragment := range st.Fragments() {
		b.WriteString(fragment)
		t.chunk(ctx, fragment)
	}
	tokens, err := st.Wait()
	if err != nil {
		return "", 0, err
	}
	return b.String(), tokens, nil
}

// finalize extracts and runs the query and persists the assistant message.
// Once here the turn runs to completion: a disconnect only cancels the
// running query, whose error is then recorded like any other.
func (s *Service) finalize(ctx context.Context, t *turn, conv *Conversation, src *boundSource, text string, tokens int, execute bool) (*Message, *QueryOutcome, error) {
	ex := ExtractQuery(text, src.dialect)
	assistant := &Message{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           RoleAssistant,
		Content:        ex.Prose,
		TokensUsed:     tokens,
	}

	var outcome *QueryOutcome
	if ex.Found() {
		query := ex.Query
		assistant.GeneratedQuery = &query
		if execute {
			t.emit(ctx, stream.QueryExecuting, queryExecutingPayload{Query: query})
			outcome = s.execute(ctx, t, src, query)
		}
	} else {
		t.log.Debug("no query in reply")
	}

	encoded, err := outcome.encode()
	if err != nil {
		t.log.Warn("query result not encodable", "err", err)
		outcome = &QueryOutcome{Query: outcome.Query, Error: "result could not be encoded: " + err.Error()}
		if encoded, err = outcome.encode(); err != nil {
			return nil, nil, err
		}
	}
	assistant.ResultJSON = encoded

	persistCtx := context.WithoutCancel(ctx)
	if err := s.repo.InsertMessage(persistCtx, assistant); err != nil {
		return nil, nil, err
	}
	if err := s.repo.TouchConversation(persistCtx, conv.ID); err != nil {
		t.log.Warn("touch conversation", "err", err)
	}
	return assistant, outcome, nil
}

func (s *Service) execute(ctx context.Context, t *turn, src *boundSource, query string) *QueryOutcome {
	res, err := src.execute(ctx, query)
	if err != nil {
		observability.ObserveQueryExecution(src.engine, false, 0)
		t.log.Info("query failed", "engine", src.engine, "err", err)
		return &QueryOutcome{Query: query, Error: datasource.NativeMessage(err)}
	}
	observability.ObserveQueryExecution(src.engine, true, res.ExecutionTimeMs)
	return &QueryOutcome{Query: query, Result: res}
}
