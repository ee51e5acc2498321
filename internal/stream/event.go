// Package stream delivers conversation events to live viewers, in process
// through Hub and across instances through RedisBridge.
package stream

import (
	"context"
	"encoding/json"
)

type EventType string

const (
	StreamStarted    EventType = "stream_started"
	UserMessageSaved EventType = "user_message_saved"
	StreamChunk      EventType = "stream_chunk"
	QueryExecuting   EventType = "query_executing"
	StreamCompleted  EventType = "stream_completed"
	StreamError      EventType = "stream_error"
)

// Terminal reports whether t ends a turn.
func (t EventType) Terminal() bool {
	return t == StreamCompleted || t == StreamError
}

type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	// Origin names the instance that produced the event; set by RedisBridge.
	Origin string `json:"origin,omitempty"`
}

// NewEvent encodes payload as the event body. A nil payload leaves it empty.
func NewEvent(t EventType, conversationID, turnID string, payload any) (Event, error) {
	ev := Event{Type: t, ConversationID: conversationID, TurnID: turnID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = b
	}
	return ev, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
