package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	EventSessionCreated = "checkout.session.created"
	EventSessionUpdated = "checkout.session.updated"
	EventSessionDeleted = "checkout.session.deleted"
)

// SessionEvent is emitted after a session change has been committed.
type SessionEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	Operation  string    `json:"operation"`
	Status     Status    `json:"status,omitempty"`
	Version    int       `json:"version,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher delivers session events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher forwards events to every publisher in order, then
// broadcasts the JSON payload to live subscribers.
type FanoutPublisher struct {
	publishers  []EventPublisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher. broadcaster may be nil.
func NewFanoutPublisher(broadcaster Broadcaster, publishers ...EventPublisher) *FanoutPublisher {
	return &FanoutPublisher{publishers: publishers, broadcaster: broadcaster}
}

// Publish gives every publisher a chance to write and joins their errors.
// The broadcast happens regardless of publisher failures.
func (p *FanoutPublisher) Publish(ctx context.Context, event SessionEvent) error {
	var errs []error
	for _, pub := range p.publishers {
		if pub == nil {
			continue
		}
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	if p.broadcaster != nil {
		data, err := json.Marshal(event)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.broadcaster.Broadcast(data)
		}
	}
	return errors.Join(errs...)
}
