package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replies with fixed parts and can fail after failAfter
// streamed parts.
type scriptedProvider struct {
	parts     []string
	tokens    int
	failAfter int
	last      []Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []Message) (Reply, error) {
	p.last = append([]Message(nil), messages...)
	return Reply{Content: strings.Join(p.parts, ""), TokensUsed: p.tokens}, nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta)
	errs := make(chan error, 1)
	go func() {
		defer close(deltas)
		defer close(errs)
		for i, part := range p.parts {
			if p.failAfter > 0 && i == p.failAfter {
				errs <- errors.New("connection reset by peer")
				return
			}
			select {
			case deltas <- Delta{Content: part}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		deltas <- Delta{TokensUsed: p.tokens}
	}()
	return deltas, errs
}

// hangingProvider streams one part and then waits for cancellation.
type hangingProvider struct{ scriptedProvider }

func (p *hangingProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(deltas)
		defer close(errs)
		deltas <- Delta{Content: "SELECT"}
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return deltas, errs
}

// blockingOnly hides StreamChat.
type blockingOnly struct{ Provider }

func drain(s *Stream) []string {
	var out []string
	for f := range s.Fragments() {
		out = append(out, f)
	}
	return out
}

func TestClient_StreamConcatenationMatchesChat(t *testing.T) {
	p := &scriptedProvider{parts: []string{"```sql\n", "SELECT ", "", "count(*) ", "FROM users;\n```"}, tokens: 64}
	c := NewClient(p, ClientOptions{})

	text, tokens, err := c.Chat(context.Background(), "how many users?", nil, "schema")
	require.NoError(t, err)

	s := c.ChatStream(context.Background(), "how many users?", nil, "schema")
	fragments := drain(s)
	streamTokens, err := s.Wait()
	require.NoError(t, err)

	for _, f := range fragments {
		assert.NotEmpty(t, f)
	}
	assert.Equal(t, text, strings.Join(fragments, ""))
	assert.Equal(t, tokens, streamTokens)
}

func TestClient_BlockingProviderStreamsOneFragment(t *testing.T) {
	p := &scriptedProvider{parts: []string{"SELECT ", "1"}, tokens: 3}
	c := NewClient(blockingOnly{p}, ClientOptions{})

	s := c.ChatStream(context.Background(), "q", nil, "")
	assert.Equal(t, []string{"SELECT 1"}, drain(s))
	tokens, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, tokens)
}

func TestClient_MidStreamFault(t *testing.T) {
	p := &scriptedProvider{parts: []string{"SELECT ", "id ", "FROM t"}, failAfter: 2}
	c := NewClient(p, ClientOptions{})

	s := c.ChatStream(context.Background(), "q", nil, "")
	assert.Equal(t, []string{"SELECT ", "id "}, drain(s))
	_, err := s.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestClient_StreamCancelled(t *testing.T) {
	c := NewClient(&hangingProvider{}, ClientOptions{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	s := c.ChatStream(ctx, "q", nil, "")
	<-s.Fragments()
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGeneration)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestClient_BuildMessages(t *testing.T) {
	c := NewClient(&scriptedProvider{}, ClientOptions{ContextWindow: 2})
	history := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "answer one"},
		{Role: RoleUser, Content: "second"},
	}

	msgs := c.BuildMessages("third", history, "You translate questions.")
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "answer one", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
	assert.Equal(t, Message{Role: RoleUser, Content: "third"}, msgs[3])

	msgs = c.BuildMessages("only", nil, "  ")
	assert.Equal(t, []Message{{Role: RoleUser, Content: "only"}}, msgs)
}

func TestSQLSystemPrompt(t *testing.T) {
	pg := SQLSystemPrompt("postgres", "CREATE TABLE users (id int);")
	assert.Contains(t, pg, "postgres database")
	assert.Contains(t, pg, "```sql")
	assert.Contains(t, pg, RefusalPrefix)
	assert.True(t, strings.HasSuffix(pg, "CREATE TABLE users (id int);\n"))

	mongo := SQLSystemPrompt("mongodb", "CREATE TABLE payments (_id objectId PRIMARY KEY);")
	assert.Contains(t, mongo, "Extended JSON")
	assert.NotContains(t, mongo, "```sql")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(" OpenAI ", func(ctx context.Context, model string) (Provider, error) {
		return &scriptedProvider{parts: []string{model}}, nil
	})
	assert.Equal(t, []string{"openai"}, r.Names())

	p, err := r.Get(context.Background(), "openai", "gpt-4o")
	require.NoError(t, err)
	reply, _ := p.Chat(context.Background(), nil)
	assert.Equal(t, "gpt-4o", reply.Content)

	_, err = r.Get(context.Background(), "nope", "")
	assert.Error(t, err)
}
