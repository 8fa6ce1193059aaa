package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
)

var (
	// ErrAuthorizationInvalid is returned when redeeming a grant this engine
	// did not issue.
	ErrAuthorizationInvalid = errors.New("authorization was not issued by this policy engine")
	// ErrAuthorizationUsed is returned when a grant is redeemed twice.
	ErrAuthorizationUsed = errors.New("authorization already redeemed")
)

const defaultRememberTTL = 24 * time.Hour

// Options configures a new Engine. The zero value starts with the write lock
// engaged and empty lists.
type Options struct {
	Unlocked bool
	Allow    []Rule
	Deny     []Rule
	// HostPIDs and HostNames identify the processes no action may stop. The
	// current process id is always included.
	HostPIDs  []int
	HostNames []string
	// Remembered seeds stored decisions, typically loaded from the approval
	// store at startup. Records that are not rememberable are ignored.
	Remembered  []approval.Record
	RememberTTL time.Duration
	Now         func() time.Time
}

// Engine owns the policy state. Reads run concurrently; Lock, Unlock,
// SetLists and remembering a decision take the write lock.
type Engine struct {
	mu          sync.RWMutex
	writeLock   bool
	allow       []Rule
	deny        []Rule
	remembered  map[string]Remembered
	host        hostIdentity
	rememberTTL time.Duration
	now         func() time.Time

	nextGrant atomic.Uint64
}

// NewEngine validates the options and builds an engine.
func NewEngine(opts Options) (*Engine, error) {
	if err := ValidateRules(opts.Allow); err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	if err := ValidateRules(opts.Deny); err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.RememberTTL
	if ttl <= 0 {
		ttl = defaultRememberTTL
	}

	e := &Engine{
		writeLock:   !opts.Unlocked,
		allow:       append([]Rule(nil), opts.Allow...),
		deny:        append([]Rule(nil), opts.Deny...),
		remembered:  map[string]Remembered{},
		host:        newHostIdentity(append([]int{os.Getpid()}, opts.HostPIDs...), opts.HostNames),
		rememberTTL: ttl,
		now:         now,
	}
	for _, record := range opts.Remembered {
		if !record.Rememberable() || strings.TrimSpace(record.Signature) == "" {
			continue
		}
		e.remembered[record.Signature] = e.rememberedFor(record)
	}
	return e, nil
}

// Check evaluates an action outside any session.
func (e *Engine) Check(a action.Action) Decision {
	return e.CheckSession("", a)
}

// CheckSession evaluates an action on behalf of a session. Safe actions are
// allowed without touching the lock or validating the payload: an empty
// shell command or snapshot query is harmless and the executor reports it
// as a failed step.
func (e *Engine) CheckSession(sessionID string, a action.Action) Decision {
	class := classifier.Classify(a)
	if class.Tier == classifier.Safe {
		d := Decision{Verdict: VerdictAllow, Tier: classifier.Safe, Rule: RuleObservation + "/" + class.Rule, Reason: class.Reason}
		d.auth = e.issue(sessionID, a, classifier.Safe, "policy")
		return d
	}
	if err := a.Validate(); err != nil {
		return Decision{Verdict: VerdictDeny, Tier: class.Tier.Effective(), Rule: "invalid_action", Reason: err.Error()}
	}

	e.mu.RLock()
	d := evaluate(evalInput{
		sessionID:  sessionID,
		action:     a,
		class:      class,
		writeLock:  e.writeLock,
		allow:      e.allow,
		deny:       e.deny,
		remembered: e.remembered,
		host:       e.host,
		now:        e.now(),
	})
	e.mu.RUnlock()

	if d.Verdict == VerdictAllow {
		d.auth = e.issue(sessionID, a, d.Tier, "policy")
	}
	return d
}

// ApplyApproval turns a human decision into a Decision. It is the only path
// from RequireApproval to Allow and the only writer of remembered
// decisions. The forbidden set is re-evaluated first so no record can
// override it.
func (e *Engine) ApplyApproval(sessionID string, a action.Action, record approval.Record) Decision {
	class := classifier.Classify(a)
	tier := class.Tier.Effective()
	deny := func(rule, reason string) Decision {
		return Decision{Verdict: VerdictDeny, Tier: tier, Rule: rule, Reason: reason}
	}
	if err := a.Validate(); err != nil {
		return deny("invalid_action", err.Error())
	}

	e.mu.RLock()
	rule, reason, isForbidden := forbidden(a, e.host, e.deny)
	e.mu.RUnlock()
	if isForbidden {
		return deny(rule, reason)
	}
	if record.Signature != a.Signature() {
		return deny(RuleSignature, "approval record was issued for a different action")
	}
	if record.SessionID != "" && sessionID != "" && record.SessionID != sessionID {
		return deny(RuleSignature, "approval record belongs to another session")
	}

	by := record.DecidedBy
	if by == "" {
		by = "unknown"
	}
	switch record.Decision {
	case approval.DecisionDeny:
		if record.Rememberable() {
			e.remember(record)
		}
		if record.Implicit {
			return deny(RuleApproval, "no human decision before timeout: "+record.Note)
		}
		return deny(RuleApproval, "rejected by "+by)
	case approval.DecisionAllowOnce, approval.DecisionAllowAlways:
		if record.Decision == approval.DecisionAllowAlways {
			e.remember(record)
		}
		d := Decision{Verdict: VerdictAllow, Tier: tier, Rule: RuleApproval + ":" + string(record.Decision), Reason: "approved by " + by}
		d.auth = e.issue(sessionID, a, tier, "approval:"+record.RequestID)
		return d
	default:
		return deny(RuleApproval, fmt.Sprintf("unknown decision %q", record.Decision))
	}
}

// Redeem marks a grant as used. Each grant can reach an executor once. The
// flag lives with the grant, so the engine keeps nothing per action.
func (e *Engine) Redeem(auth Authorization) error {
	if !auth.Valid() || auth.issuer != e {
		return ErrAuthorizationInvalid
	}
	if !auth.redeemed.CompareAndSwap(false, true) {
		return ErrAuthorizationUsed
	}
	return nil
}

// Lock engages the write lock. Idempotent.
func (e *Engine) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writeLock {
		slog.Info("policy write lock engaged")
	}
	e.writeLock = true
}

// Unlock releases the write lock. Idempotent.
func (e *Engine) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeLock {
		slog.Info("policy write lock released")
	}
	e.writeLock = false
}

// Locked reports the write lock state.
func (e *Engine) Locked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.writeLock
}

// SetLists replaces the allow and deny lists.
func (e *Engine) SetLists(allow, deny []Rule) error {
	if err := ValidateRules(allow); err != nil {
		return fmt.Errorf("allow list: %w", err)
	}
	if err := ValidateRules(deny); err != nil {
		return fmt.Errorf("deny list: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allow = append([]Rule(nil), allow...)
	e.deny = append([]Rule(nil), deny...)
	return nil
}

// State returns a copy of the current policy state. Expired remembered
// decisions are omitted.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	state := State{
		WriteLock:  e.writeLock,
		Allow:      append([]Rule{}, e.allow...),
		Deny:       append([]Rule{}, e.deny...),
		Remembered: make([]Remembered, 0, len(e.remembered)),
	}
	for _, r := range e.remembered {
		if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			continue
		}
		state.Remembered = append(state.Remembered, r)
	}
	sort.Slice(state.Remembered, func(i, j int) bool {
		return state.Remembered[i].Signature < state.Remembered[j].Signature
	})
	return state
}

func (e *Engine) remember(record approval.Record) {
	entry := e.rememberedFor(record)
	e.mu.Lock()
	e.remembered[record.Signature] = entry
	e.mu.Unlock()
	slog.Info("policy decision remembered",
		"signature", entry.Signature,
		"decision", string(entry.Decision),
		"session_id", entry.SessionID,
		"expires_at", entry.ExpiresAt,
	)
}

func (e *Engine) rememberedFor(record approval.Record) Remembered {
	entry := Remembered{
		Signature: record.Signature,
		Kind:      action.SignatureKind(record.Signature),
		Decision:  record.Decision,
		RecordID:  record.RequestID,
		ExpiresAt: record.ExpiresAt,
	}
	if record.Scope == approval.ScopeSession {
		entry.SessionID = record.SessionID
	}
	if entry.ExpiresAt.IsZero() {
		base := record.DecidedAt
		if base.IsZero() {
			base = e.now()
		}
		entry.ExpiresAt = base.Add(e.rememberTTL)
	}
	return entry
}

func (e *Engine) issue(sessionID string, a action.Action, tier classifier.Tier, source string) Authorization {
	return Authorization{
		id:        e.nextGrant.Add(1),
		action:    a,
		signature: a.Signature(),
		tier:      tier,
		sessionID: sessionID,
		source:    source,
		issuedAt:  e.now(),
		issuer:    e,
		redeemed:  new(atomic.Bool),
	}
}
