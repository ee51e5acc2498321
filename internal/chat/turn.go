package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/stream"
)

type turnState int

const (
	stateIdle turnState = iota
	statePreparing
	stateGenerating
	stateFinalizing
	stateDelivered
	stateFailed
)

func (s turnState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePreparing:
		return "preparing"
	case stateGenerating:
		return "generating"
	case stateFinalizing:
		return "finalizing"
	case stateDelivered:
		return "delivered"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("turnState(%d)", int(s))
}

func (s turnState) terminal() bool { return s == stateDelivered || s == stateFailed }

// turnContext is what one turn carries from Preparing into Generating.
type turnContext struct {
	ConversationID string
	UserMessage    *Message
	SchemaContext  string
	History        []ai.Message
}

// turn drives one user message through the state machine and publishes its
// lifecycle events. Transitions only move forward and exactly one terminal
// event is published.
type turn struct {
	id             string
	conversationID string
	state          turnState
	pub            stream.Publisher
	log            *slog.Logger
	chunks         int
}

func newTurn(id, conversationID string, pub stream.Publisher, log *slog.Logger) *turn {
	return &turn{
		id:             id,
		conversationID: conversationID,
		pub:            pub,
		log:            log.With("conversation_id", conversationID, "turn_id", id),
	}
}

func (t *turn) advance(next turnState) error {
	if t.state.terminal() || next <= t.state {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", t.id, t.state, next)
	}
	if next == stateDelivered && t.state != stateFinalizing {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", t.id, t.state, next)
	}
	if next == stateFailed && t.state == stateIdle {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", t.id, t.state, next)
	}
	t.state = next
	return nil
}

// emit publishes a non-terminal event. Delivery problems are logged and do
// not fail the turn.
func (t *turn) emit(ctx context.Context, typ stream.EventType, payload any) {
	ev, err := stream.NewEvent(typ, t.conversationID, t.id, payload)
	if err != nil {
		t.log.Error("encode event", "type", typ, "err", err)
		return
	}
	if err := t.pub.Publish(ctx, ev); err != nil {
		t.log.Warn("publish event", "type", typ, "err", err)
	}
}

func (t *turn) chunk(ctx context.Context, fragment string) {
	t.emit(ctx, stream.StreamChunk, chunkPayload{Chunk: fragment, Index: t.chunks})
	t.chunks++
}

func (t *turn) deliver(ctx context.Context, payload Completion) error {
	if err := t.advance(stateDelivered); err != nil {
		return err
	}
	t.emit(ctx, stream.StreamCompleted, payload)
	return nil
}

// fail moves the turn to Failed and tells every viewer why. It is a no-op on
// a turn that already ended. The event is published even when ctx is done so
// other viewers learn that an abandoned turn is over.
func (t *turn) fail(ctx context.Context, cause error) {
	if t.state.terminal() {
		return
	}
	if err := t.advance(stateFailed); err != nil {
		t.log.Error("fail turn", "err", err)
		return
	}
	t.emit(context.WithoutCancel(ctx), stream.StreamError, errorPayload{Error: PublicError(cause)})
}
