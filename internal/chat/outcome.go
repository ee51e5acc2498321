package chat

import (
	"encoding/json"
	"time"

	"github.com/suPer8Hu/querychat/internal/datasource"
)

// QueryOutcome is what the assistant message records about the executed
// query: the result envelope, or the engine's own error message. A failed
// query still completes the turn.
type QueryOutcome struct {
	Query  string                  `json:"query"`
	Result *datasource.QueryResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

func (o *QueryOutcome) Failed() bool { return o != nil && o.Error != "" }

func (o *QueryOutcome) encode() (*string, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// Event payloads, one per stream.EventType.

type startedPayload struct {
	ConversationID string `json:"conversation_id"`
	Streaming      bool   `json:"streaming"`
}

type userMessageSavedPayload struct {
	MessageID uint64    `json:"message_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type chunkPayload struct {
	Chunk string `json:"chunk"`
	Index int    `json:"index"`
}

type queryExecutingPayload struct {
	Query string `json:"query"`
}

// Completion is the stream_completed payload and the body of a
// non-streaming turn response.
type Completion struct {
	AssistantMessage *Message               `json:"assistant_message"`
	QueryResult      *datasource.QueryResult `json:"query_result,omitempty"`
	QueryError       string                  `json:"query_error,omitempty"`
	TokensUsed       int                     `json:"tokens_used"`
}

type errorPayload struct {
	Error string `json:"error"`
}
