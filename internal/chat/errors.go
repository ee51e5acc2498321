package chat

import (
	"errors"

	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/datasource"
)

var (
	// ErrConversationNotFound is also returned for conversations owned by
	// someone else.
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUnsupportedSource    = errors.New("unsupported data source")
	ErrTurnAbandoned        = errors.New("turn abandoned")
	ErrTurnInProgress       = errors.New("another turn is in progress")
	ErrInvalidSource        = errors.New("a conversation needs exactly one of connection or file source")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrJobNotFound          = errors.New("job not found")
)

// PublicError maps err to a message that is safe to show to the user.
// Engine and provider detail stays in the server logs.
func PublicError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, ErrTurnAbandoned):
		return "the request was cancelled before an answer was ready"
	case errors.Is(err, ErrTurnInProgress):
		return "another message in this conversation is still being answered"
	case errors.Is(err, ErrUnsupportedSource), errors.Is(err, datasource.ErrUnsupportedEngine):
		return "this conversation's data source is not supported"
	case errors.Is(err, ai.ErrGeneration):
		return "the language model did not answer, please try again"
	case errors.Is(err, datasource.ErrConnection):
		return "could not connect to the database"
	case errors.Is(err, datasource.ErrSchemaIntrospection):
		return "could not read the database schema"
	default:
		return "something went wrong while answering"
	}
}
