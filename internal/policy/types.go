package policy

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
)

// Verdict is the policy decision for an action.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRequireApproval Verdict = "require_approval"
)

// ErrPolicyViolation is wrapped by every denial.
var ErrPolicyViolation = errors.New("policy violation")

// Rule names reported in decisions that are not pattern matches.
const (
	RuleForbidden   = "forbidden"
	RuleDenyList    = "deny_list"
	RuleAllowList   = "allow_list"
	RuleRemembered  = "remembered"
	RuleWriteLock   = "write_lock"
	RuleHumanGate   = "human_approval"
	RuleApproval    = "approval"
	RuleSignature   = "signature_mismatch"
	RuleUnlocked    = "unlocked"
	RuleObservation = "observational"
)

// Decision is the deterministic result of a policy check. Only Allow
// decisions carry an Authorization.
type Decision struct {
	Verdict Verdict
	Tier    classifier.Tier
	// Rule names the classifier rule, list rule or gate that decided.
	Rule   string
	Reason string

	auth Authorization
}

// Allowed reports whether the verdict is Allow.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow && d.auth.Valid()
}

// Authorization returns the grant attached to an Allow decision.
func (d Decision) Authorization() (Authorization, bool) {
	if !d.Allowed() {
		return Authorization{}, false
	}
	return d.auth, true
}

// Message is the user facing explanation naming the tier and rule.
func (d Decision) Message() string {
	switch d.Verdict {
	case VerdictAllow:
		return fmt.Sprintf("allowed: %s tier (%s): %s", d.Tier, d.Rule, d.Reason)
	case VerdictRequireApproval:
		return fmt.Sprintf("approval required: %s tier (%s): %s", d.Tier, d.Rule, d.Reason)
	default:
		return fmt.Sprintf("denied: %s tier (%s): %s", d.Tier, d.Rule, d.Reason)
	}
}

// Err returns a PolicyViolationError for Deny decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Verdict != VerdictDeny {
		return nil
	}
	return &PolicyViolationError{Decision: d}
}

// PolicyViolationError reports a denied action.
type PolicyViolationError struct {
	Decision Decision
}

func (e *PolicyViolationError) Error() string {
	return e.Decision.Message()
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// Authorization is the grant that lets one action reach an executor. It can
// only be built inside this package, by Check or ApplyApproval.
type Authorization struct {
	id        uint64
	action    action.Action
	signature string
	tier      classifier.Tier
	sessionID string
	source    string
	issuedAt  time.Time
	issuer    *Engine
	// redeemed is shared by every copy of the grant.
	redeemed *atomic.Bool
}

// Valid reports whether the grant was issued by an engine.
func (a Authorization) Valid() bool {
	return a.issuer != nil && a.id != 0 && a.redeemed != nil && !a.action.IsZero()
}

// Redeemed reports whether the grant has already reached an executor.
func (a Authorization) Redeemed() bool {
	return a.redeemed != nil && a.redeemed.Load()
}

// Action returns the exact action that was authorized.
func (a Authorization) Action() action.Action { return a.action }

// Signature returns the signature of the authorized action.
func (a Authorization) Signature() string { return a.signature }

// Tier returns the classified tier at grant time.
func (a Authorization) Tier() classifier.Tier { return a.tier }

// SessionID returns the session the grant was issued for.
func (a Authorization) SessionID() string { return a.sessionID }

// Source names the path that issued the grant: "policy" or "approval:<id>".
func (a Authorization) Source() string { return a.source }

// IssuedAt returns the grant time.
func (a Authorization) IssuedAt() time.Time { return a.issuedAt }

// ID is a process unique grant number.
func (a Authorization) ID() uint64 { return a.id }

// Covers reports whether the grant authorizes exactly this action.
func (a Authorization) Covers(act action.Action) bool {
	return a.Valid() && action.Equal(a.action, act)
}

// Remembered is a stored decision keyed by action signature.
type Remembered struct {
	Signature string            `json:"signature"`
	Kind      action.Kind       `json:"kind"`
	Decision  approval.Decision `json:"decision"`
	SessionID string            `json:"session_id,omitempty"`
	RecordID  string            `json:"record_id,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

func (r Remembered) appliesTo(sessionID string, now time.Time) bool {
	if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
		return false
	}
	if r.SessionID != "" && r.SessionID != sessionID {
		return false
	}
	return true
}

// State is a snapshot of the policy state.
type State struct {
	WriteLock  bool         `json:"write_lock"`
	Allow      []Rule       `json:"allow"`
	Deny       []Rule       `json:"deny"`
	Remembered []Remembered `json:"remembered"`
}
