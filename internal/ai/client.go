package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type ClientOptions struct {
	// ContextWindow is the number of most recent history messages sent with
	// each request; 0 sends the whole history.
	ContextWindow int
	// Timeout bounds one whole request, streaming included.
	Timeout time.Duration
}

// Client turns a conversation turn into a model request.
type Client struct {
	provider Provider
	opts     ClientOptions
}

func NewClient(p Provider, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Client{provider: p, opts: opts}
}

// BuildMessages assembles the request: the schema context as system message,
// the tail of history, then the new user message.
func (c *Client) BuildMessages(userMessage string, history []Message, schemaContext string) []Message {
	if w := c.opts.ContextWindow; w > 0 && len(history) > w {
		history = history[len(history)-w:]
	}
	out := make([]Message, 0, len(history)+2)
	if strings.TrimSpace(schemaContext) != "" {
		out = append(out, Message{Role: RoleSystem, Content: schemaContext})
	}
	out = append(out, history...)
	out = append(out, Message{Role: RoleUser, Content: userMessage})
	return out
}

func generationError(err error) error {
	return fmt.Errorf("%w: %w", ErrGeneration, err)
}

// Chat returns the full reply and the tokens the backend reported.
func (c *Client) Chat(ctx context.Context, userMessage string, history []Message, schemaContext string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	reply, err := c.provider.Chat(ctx, c.BuildMessages(userMessage, history, schemaContext))
	if err != nil {
		return "", 0, generationError(err)
	}
	return reply.Content, reply.TokensUsed, nil
}

// Stream is one in-flight streamed reply. Fragments must be drained (or the
// request context cancelled) before Wait returns.
type Stream struct {
	fragments chan string
	done      chan struct{}
	tokens    int
	err       error
}

// Fragments yields non-empty reply fragments in order; it is closed when the
// reply ends or fails.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Wait blocks until the stream has ended and reports the token count and the
// failure, if any.
func (s *Stream) Wait() (int, error) {
	<-s.done
	return s.tokens, s.err
}

// ChatStream starts a streamed request. Providers without streaming support
// deliver their whole reply as a single fragment.
func (c *Client) ChatStream(ctx context.Context, userMessage string, history []Message, schemaContext string) *Stream {
	s := &Stream{
		fragments: make(chan string, 16),
		done:      make(chan struct{}),
	}
	messages := c.BuildMessages(userMessage, history, schemaContext)

	go func() {
		defer close(s.done)
		defer close(s.fragments)

		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		emit := func(fragment string) bool {
			if fragment == "" {
				return true
			}
			select {
			case s.fragments <- fragment:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sp, ok := c.provider.(StreamProvider)
		if !ok {
			reply, err := c.provider.Chat(ctx, messages)
			if err != nil {
				s.err = generationError(err)
				return
			}
			s.tokens = reply.TokensUsed
			if !emit(reply.Content) {
				s.err = generationError(ctx.Err())
			}
			return
		}

		deltas, errs := sp.StreamChat(ctx, messages)
		for d := range deltas {
			if d.TokensUsed > 0 {
				s.tokens = d.TokensUsed
			}
			if !emit(d.Content) {
				s.err = generationError(ctx.Err())
				// Let the provider goroutine observe cancellation and exit.
				for range deltas {
				}
				return
			}
		}
		if err, ok := <-errs; ok && err != nil {
			s.err = generationError(err)
			return
		}
		if err := ctx.Err(); err != nil {
			s.err = generationError(err)
		}
	}()

	return s
}
