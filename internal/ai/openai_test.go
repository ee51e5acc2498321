package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompletions serves /chat/completions, answering with reply split into
// parts when the request asks for a stream.
func fakeCompletions(t *testing.T, parts []string, tokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIChatReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": strings.Join(parts, "")}}},
				"usage":   map[string]int{"total_tokens": tokens},
			})
			return
		}

		if assert.NotNil(t, req.StreamOptions) {
			assert.True(t, req.StreamOptions.IncludeUsage)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range parts {
			b, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": map[string]string{"content": p}}}})
			fmt.Fprintf(w, "data: %s\n\n", b)
			w.(http.Flusher).Flush()
		}
		fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":%d}}\n\n", tokens)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIProvider_Chat(t *testing.T) {
	srv := fakeCompletions(t, []string{"SELECT ", "1;"}, 42)
	defer srv.Close()

	temp := 0.1
	p := NewOpenAIProvider(srv.URL+"/v1", "sk-test", "gpt-4o-mini", Settings{Temperature: &temp, MaxTokens: 256})
	reply, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "one"}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;", reply.Content)
	assert.Equal(t, 42, reply.TokensUsed)
}

func TestOpenAIProvider_StreamChat(t *testing.T) {
	srv := fakeCompletions(t, []string{"SEL", "ECT", " 1;"}, 17)
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1", "sk-test", "gpt-4o-mini", Settings{})
	deltas, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "one"}})

	var content []string
	tokens := 0
	for d := range deltas {
		if d.Content != "" {
			content = append(content, d.Content)
		}
		if d.TokensUsed > 0 {
			tokens = d.TokensUsed
		}
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"SEL", "ECT", " 1;"}, content)
	assert.Equal(t, 17, tokens)
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "m", Settings{})
	_, err := p.Chat(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	_, errs := p.StreamChat(context.Background(), nil)
	assert.Error(t, <-errs)
}

func TestOpenAIProvider_RequiresModel(t *testing.T) {
	p := NewOpenAIProvider("http://127.0.0.1:1", "", " ", Settings{})
	_, err := p.Chat(context.Background(), nil)
	assert.EqualError(t, err, "openai: model is required")
}

func TestOpenAIProvider_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"DELETE FROM users\"}}]}\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "m", Settings{})
	s := NewClient(p, ClientOptions{}).ChatStream(context.Background(), "drop user 3", nil, "")

	var text strings.Builder
	for f := range s.Fragments() {
		text.WriteString(f)
	}
	_, err := s.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Contains(t, err.Error(), "stream ended before [DONE]")
	assert.Equal(t, "DELETE FROM users", text.String())
}
