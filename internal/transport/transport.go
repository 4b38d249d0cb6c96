// Package transport delivers typed messages between named endpoints. The
// in-memory and Kafka backends share the same contract so callers never
// know which one they are talking to.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrUnavailable is returned when the backend cannot accept or deliver a
// message. It is transient: callers retry with backoff.
var ErrUnavailable = errors.New("transport unavailable")

type MessageType string

const (
	TypeTask     MessageType = "task"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Message is the envelope exchanged over a Transport. It is immutable once
// sent: Payload is copied on construction and never modified afterwards.
type Message struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewMessage builds a message with a fresh id and a UTC timestamp. payload
// is marshalled to JSON.
func NewMessage(sender, recipient string, typ MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	now := time.Now().UTC()
	return Message{
		ID:        newID(now),
		Sender:    sender,
		Recipient: recipient,
		Type:      typ,
		Payload:   raw,
		Timestamp: now,
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", m.Type, m.ID, err)
	}
	return nil
}

// MarshalJSON writes the timestamp as ISO-8601 UTC with millisecond precision.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire Message
	return json.Marshal(struct {
		wire
		Timestamp string `json:"timestamp"`
	}{
		wire:      wire(m),
		Timestamp: m.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active delivery of an endpoint's messages to a Handler.
type Subscription interface {
	// Unsubscribe stops delivery and waits for an in-flight handler to return.
	Unsubscribe() error
}

// Transport is the message seam between the orchestrator and the handlers.
// Delivery is at-least-once and ordered per sender/recipient pair. An
// endpoint should be consumed either through Subscribe or through Receive,
// not both.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(endpoint string, h Handler) (Subscription, error)
	// Receive blocks until a message for endpoint arrives or ctx is done.
	Receive(ctx context.Context, endpoint string) (Message, error)
	Close() error
}
