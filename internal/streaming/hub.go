package streaming

import (
	"context"
	"time"
)

// StreamEvent is a trace event published while tokens execute.
type StreamEvent struct {
	ID      string    `json:"id"`
	TokenID string    `json:"token_id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Node    string    `json:"node,omitempty"`
	Socket  string    `json:"socket,omitempty"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	TokenID    string   `json:"token_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for trace events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
