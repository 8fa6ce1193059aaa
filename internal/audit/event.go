package audit

import (
	"errors"
	"time"
)

// Event types written by the broker.
const (
	TypeSessionCreated    = "session_created"
	TypeTransition        = "transition"
	TypeDecision          = "policy_decision"
	TypeApprovalRequested = "approval_requested"
	TypeApprovalResolved  = "approval_resolved"
	TypeDispatch          = "dispatch"
	TypeResponse          = "response"
	TypeResponseRejected  = "response_rejected"
	TypeKillSwitch        = "kill_switch"
	TypeSessionClosed     = "session_closed"
)

// Event is one audit record. Seq orders events within a session.
type Event struct {
	Seq           int64     `json:"seq"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state,omitempty"`
	ActionKind    string    `json:"action_kind,omitempty"`
	Action        string    `json:"action,omitempty"`
	Signature     string    `json:"signature,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Sink durably appends events. Implementations must preserve call order.
type Sink interface {
	Append(Event) error
}

// Reader returns the recorded events of a session in order. An empty
// session id returns every event.
type Reader interface {
	Query(sessionID string) ([]Event, error)
}

// Multi fans each event out to every sink in order.
type Multi []Sink

// Append writes to every sink and joins the errors.
func (m Multi) Append(event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Append(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query reads from the first sink that is also a Reader.
func (m Multi) Query(sessionID string) ([]Event, error) {
	for _, sink := range m {
		if r, ok := sink.(Reader); ok {
			return r.Query(sessionID)
		}
	}
	return nil, errors.New("audit: no readable sink configured")
}

// Discard drops every event.
type Discard struct{}

func (Discard) Append(Event) error { return nil }
