// Package bus implements the Message Bus of the orchestrator: a typed,
// at-least-once publish/subscribe fabric connecting the Orchestrator,
// Supervisors, SubAgents, and the Provider Pool.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the closed set of message kinds the bus carries.
type Kind string

const (
	KindTaskRequest   Kind = "TASK_REQUEST"
	KindTaskResult    Kind = "TASK_RESULT"
	KindPartialResult Kind = "PARTIAL_RESULT"
	KindCancel        Kind = "CANCEL"
	KindHeartbeat     Kind = "HEARTBEAT"
	KindHealthQuery   Kind = "HEALTH_QUERY"
	KindHealthReply   Kind = "HEALTH_REPLY"
	KindRouteDecision Kind = "ROUTE_DECISION"
	KindProviderEvent Kind = "PROVIDER_EVENT"
)

// Message is the envelope carried on the bus. Delivery is ordered per
// (From, To) pair and per CorrelationID, and is at-least-once: consumers
// must treat handling as idempotent, keyed on ID.
type Message struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	CorrelationID string         `json:"correlationId"`
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
}

// NewMessage builds a Message with a fresh ID and current timestamp.
func NewMessage(kind Kind, from, to, correlationID string, payload map[string]any) *Message {
	return &Message{
		ID:            uuid.New().String(),
		Kind:          kind,
		From:          from,
		To:            to,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Handler processes a Message. A non-nil error causes the bus to retry
// delivery up to its configured redelivery limit before the message is
// dropped and logged.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a recipient mailbox.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the Message Bus abstraction. "To" addresses a logical recipient
// (an agent id, a supervisor id, "orchestrator", a capability-scoped queue
// group name, etc); callers agree on addressing out of band.
type Bus interface {
	// Publish enqueues msg on the recipient's mailbox. It returns once the
	// message has been accepted (or dropped per the mailbox's drop policy
	// under backpressure); it does not wait for delivery.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers handler to receive every message addressed to
	// "to". Multiple regular subscriptions to the same "to" each receive
	// every message (broadcast fan-out).
	Subscribe(to string, handler Handler) (Subscription, error)

	// QueueSubscribe registers handler as one member of a load-balanced
	// group: exactly one member of "group" receives each message addressed
	// to "to", chosen round-robin.
	QueueSubscribe(to, group string, handler Handler) (Subscription, error)

	// Close shuts the bus down, deactivating all subscriptions.
	Close()

	// IsConnected reports whether the bus can currently accept publishes.
	IsConnected() bool
}
