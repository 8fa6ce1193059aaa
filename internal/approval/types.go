package approval

import (
	"errors"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// Decision is the human verdict on a pending action.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow_once"
	DecisionAllowAlways Decision = "allow_always"
	DecisionDeny        Decision = "deny"
)

// Scope limits where a remembered decision applies.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSession Scope = "session"
)

// SystemDecider is recorded as the decider of implicit decisions.
const SystemDecider = "system"

var (
	ErrNotFound   = errors.New("approval request not found")
	ErrNotPending = errors.New("approval request is not pending")
	ErrExpired    = errors.New("approval request expired")
)

// Request is a persisted approval request.
type Request struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Kind         action.Kind     `json:"kind"`
	Action       action.Action   `json:"action"`
	Signature    string          `json:"signature"`
	Tier         classifier.Tier `json:"tier"`
	Reason       string          `json:"reason,omitempty"`
	Status       RequestStatus   `json:"status"`
	Decision     Decision        `json:"decision,omitempty"`
	Scope        Scope           `json:"scope,omitempty"`
	DecisionNote string          `json:"decision_note,omitempty"`
	RequestedAt  time.Time       `json:"requested_at"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
	DecidedAt    time.Time       `json:"decided_at,omitempty"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	RememberFor  time.Duration   `json:"remember_for,omitempty"`
}

// Record is the immutable result of resolving a request. It is what the
// policy engine remembers for allow_always and deny decisions.
type Record struct {
	RequestID string      `json:"request_id"`
	SessionID string      `json:"session_id"`
	Kind      action.Kind `json:"kind"`
	Signature string      `json:"signature"`
	Decision  Decision    `json:"decision"`
	Scope     Scope       `json:"scope,omitempty"`
	DecidedBy string      `json:"decided_by"`
	DecidedAt time.Time   `json:"decided_at"`
	Note      string      `json:"note,omitempty"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
	Implicit  bool        `json:"implicit,omitempty"`
}

// Allows reports whether the record lets the action run.
func (r Record) Allows() bool {
	return r.Decision == DecisionAllowOnce || r.Decision == DecisionAllowAlways
}

// Rememberable reports whether the decision is meant to outlive the
// request that produced it.
func (r Record) Rememberable() bool {
	if r.Implicit {
		return false
	}
	return r.Decision == DecisionAllowAlways || r.Decision == DecisionDeny
}

// CreateInput contains fields needed to create an approval request.
type CreateInput struct {
	SessionID string
	Action    action.Action
	Tier      classifier.Tier
	Reason    string
	TTL       time.Duration
}

// DecisionInput contains fields needed to resolve a request.
type DecisionInput struct {
	Decision    Decision
	Scope       Scope
	DecidedBy   string
	Note        string
	RememberFor time.Duration
}

// Query filters approval requests when listing.
type Query struct {
	ID        string
	Status    RequestStatus
	SessionID string
}

// Notifier receives every newly created pending request.
type Notifier func(Request)

// ParseDecision accepts the wire names and a few CLI friendly aliases.
func ParseDecision(s string) (Decision, bool) {
	switch s {
	case "allow_once", "once", "approve", "allow":
		return DecisionAllowOnce, true
	case "allow_always", "always":
		return DecisionAllowAlways, true
	case "deny", "reject":
		return DecisionDeny, true
	default:
		return "", false
	}
}
