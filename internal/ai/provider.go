package ai

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrGeneration wraps every failure to obtain a reply from a model backend.
var ErrGeneration = errors.New("generation error")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Reply struct {
	Content    string
	TokensUsed int
}

// Settings are the sampling parameters sent with every request. Zero values
// leave the backend's defaults in place.
type Settings struct {
	Temperature *float64
	MaxTokens   int
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (Reply, error)
}
