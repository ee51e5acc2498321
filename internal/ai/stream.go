package ai

import "context"

// Delta is one streamed piece of a reply. Content may be empty on the final
// delta that only reports usage.
type Delta struct {
	Content    string
	TokensUsed int
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when streaming ends; at most one error is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error)
}
