// Package protocol defines the client wire envelope of spec.md §6: a typed,
// length-prefixed framed record carried over the duplex client connection.
// Framing itself (length prefix, gorilla/websocket message boundary) is the
// Session Layer's concern; this package owns the envelope shape and kinds.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind enumerates the closed set of envelope kinds §6 requires.
type Kind string

const (
	KindAuth      Kind = "AUTH"
	KindAuthAck   Kind = "AUTH_ACK"
	KindSubmit    Kind = "SUBMIT"
	KindSubmitted Kind = "SUBMITTED"
	KindCancel    Kind = "CANCEL"
	KindPartial   Kind = "PARTIAL"
	KindResult    Kind = "RESULT"
	KindError     Kind = "ERROR"
	KindPing      Kind = "PING"
	KindPong      Kind = "PONG"
)

// Envelope is the wire record exchanged over the duplex client connection.
// Seq is monotonic and gap-free per session on the outbound path; clients
// use gaps to detect loss on reconnect.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId"`
	TaskID    string          `json:"taskId,omitempty"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is carried on a KindAuth envelope.
type AuthPayload struct {
	Credential string `json:"credential"`
}

// AuthAckPayload is carried on a KindAuthAck envelope.
type AuthAckPayload struct {
	Principal string    `json:"principal"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SubmitPayload is carried on a KindSubmit envelope.
type SubmitPayload struct {
	TaskType     string         `json:"taskType"`
	Payload      map[string]any `json:"payload"`
	Capability   string         `json:"capability,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	DeadlineMS   int64          `json:"deadlineMs,omitempty"`
}

// SubmittedPayload is carried on a KindSubmitted envelope.
type SubmittedPayload struct {
	TaskID string `json:"taskId"`
}

// ResultPayload is carried on a terminal KindResult envelope.
type ResultPayload struct {
	Status  string         `json:"status"` // completed | failed | cancelled | timed_out
	Output  map[string]any `json:"output,omitempty"`
	Kind    string         `json:"kind,omitempty"`    // apperrors.Kind, present on failure
	Message string         `json:"message,omitempty"` // safe to show a client
}

// PartialPayload is carried on a KindPartial envelope.
type PartialPayload struct {
	Output map[string]any `json:"output"`
}

// ErrorPayload is carried on a KindError envelope, for submissions rejected
// before a task id was ever assigned.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Encode marshals payload into an Envelope's Payload field.
func Encode(kind Kind, sessionID, taskID string, seq uint64, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: kind, SessionID: sessionID, TaskID: taskID, Seq: seq, Payload: raw}, nil
}

// Decode unmarshals an Envelope's Payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
