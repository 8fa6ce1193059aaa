// Package broker drives sessions through the observe, decide, authorize,
// act and verify loop. An action reaches an executor only from the Acting
// state, and Acting can only be built from a policy authorization.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/audit"
	"github.com/NOVA-ALLRounder/main-sub001/internal/killswitch"
	"github.com/NOVA-ALLRounder/main-sub001/internal/metrics"
	"github.com/NOVA-ALLRounder/main-sub001/internal/planner"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

var (
	// ErrClassificationFailure marks actions rejected because they could
	// not be classified.
	ErrClassificationFailure = errors.New("classification failure")
	// ErrStallDetected ends sessions that stop making progress.
	ErrStallDetected = errors.New("stall detected")
	// ErrKillSwitchEngaged is always fatal to a session.
	ErrKillSwitchEngaged = killswitch.ErrEngaged
	ErrCancelled         = errors.New("session cancelled")
	ErrStepLimit         = errors.New("step limit reached")
	ErrShutdown          = errors.New("broker shutting down")
	ErrNotFound          = errors.New("session not found")
	ErrTooManySessions   = errors.New("too many active sessions")
)

const (
	defaultStallThreshold = 3
	defaultMaxSteps       = 50
	defaultActionTimeout  = 2 * time.Minute
	defaultPlannerTimeout = time.Minute
	defaultRetainFinished = 128
	maxPlannerHistory     = 64
)

// ExecutorFunc returns the executor channel for a session.
type ExecutorFunc func(sessionID string) transport.Executor

// ObserveFunc captures the environment before the planner decides. last is
// nil until the session has verified an action.
type ObserveFunc func(ctx context.Context, sessionID string, last *Verifying) (string, error)

// Options configures a Broker. Policy, Planner and Executor are required.
type Options struct {
	Policy     *policy.Engine
	Planner    planner.Planner
	Executor   ExecutorFunc
	Killer     transport.Killer
	KillSwitch *killswitch.Switch
	Approvals  *approval.Service
	Audit      audit.Sink
	Metrics    *metrics.Recorder
	Observe    ObserveFunc

	StallThreshold int
	MaxSteps       int
	MaxSessions    int
	ActionTimeout  time.Duration
	ApprovalTTL    time.Duration
	PlannerTimeout time.Duration
	RetainFinished int

	Now   func() time.Time
	NewID func() string
}

// Broker owns every session of the process.
type Broker struct {
	opts Options
	kill *killswitch.Switch

	root context.Context
	stop context.CancelCauseFunc

	mu       sync.RWMutex
	sessions map[string]*session
	finished map[string]Info
	order    []string
	wg       sync.WaitGroup
}

// New validates options and wires the kill switch.
func New(opts Options) (*Broker, error) {
	if opts.Policy == nil {
		return nil, errors.New("broker: policy engine is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("broker: planner is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("broker: executor is required")
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = defaultStallThreshold
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.PlannerTimeout <= 0 {
		opts.PlannerTimeout = defaultPlannerTimeout
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = defaultRetainFinished
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	if opts.Observe == nil {
		opts.Observe = LastOutcome
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	kill := opts.KillSwitch
	if kill == nil {
		kill = killswitch.New()
	}

	root, stop := context.WithCancelCause(context.Background())
	b := &Broker{
		opts:     opts,
		kill:     kill,
		root:     root,
		stop:     stop,
		sessions: map[string]*session{},
		finished: map[string]Info{},
	}
	kill.OnEngage(b.onKill)
	return b, nil
}

// KillSwitch returns the switch this broker obeys.
func (b *Broker) KillSwitch() *killswitch.Switch {
	return b.kill
}

// Submit creates a session for goal and starts driving it.
func (b *Broker) Submit(ctx context.Context, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", errors.New("goal is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.kill.Engaged() {
		return "", ErrKillSwitchEngaged
	}
	if b.root.Err() != nil {
		return "", ErrShutdown
	}

	b.mu.Lock()
	if b.opts.MaxSessions > 0 && len(b.sessions) >= b.opts.MaxSessions {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", ErrTooManySessions, b.opts.MaxSessions)
	}
	s := newSession(b.root, b.opts.NewID(), goal, b.opts.Now().UTC())
	b.sessions[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	// The hook may have run between the check above and registration.
	if b.kill.Engaged() {
		s.cancel(ErrKillSwitchEngaged)
	}

	b.noteMetrics(b.opts.Metrics.RecordSessionStart())
	b.emit(audit.Event{Seq: s.nextSeq(), Type: audit.TypeSessionCreated, SessionID: s.id, State: Idle{}.Name(), Detail: goal})
	slog.Info("session created", "session_id", s.id, "goal", goal)

	go b.run(s)
	return s.id, nil
}

// Get returns the current view of a session, live or recently finished.
func (b *Broker) Get(id string) (Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.sessions[id]; ok {
		return s.info(), nil
	}
	if info, ok := b.finished[id]; ok {
		return info, nil
	}
	return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns live and recently finished sessions, oldest first.
func (b *Broker) List() []Info {
	b.mu.RLock()
	out := make([]Info, 0, len(b.sessions)+len(b.finished))
	for _, s := range b.sessions {
		out = append(out, s.info())
	}
	for _, info := range b.finished {
		out = append(out, info)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns the ordered history of a session. Once a session has been
// destroyed its history is read back from the audit store.
func (b *Broker) History(id string) ([]Entry, error) {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if ok {
		return s.historyCopy(), nil
	}

	reader, ok := b.opts.Audit.(audit.Reader)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	events, err := reader.Query(id)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, ev := range events {
		if ev.Type != audit.TypeTransition {
			continue
		}
		entries = append(entries, Entry{
			Seq:        ev.Seq,
			State:      ev.State,
			ActionKind: ev.ActionKind,
			Summary:    ev.Action,
			Outcome:    ev.Outcome,
			Timestamp:  ev.Time,
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entries, nil
}

// Subscribe streams history entries of a live session, starting with the
// entries recorded so far. The channel closes when the session terminates.
func (b *Broker) Subscribe(id string) (<-chan Entry, func(), error) {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ch, unsubscribe := s.subscribe()
	return ch, unsubscribe, nil
}

// Cancel terminates a session. In-flight steps are abandoned.
func (b *Broker) Cancel(id string) error {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.cancel(ErrCancelled)
	return nil
}

// Wait blocks until the session terminates and returns its final view.
func (b *Broker) Wait(ctx context.Context, id string) (Info, error) {
	b.mu.RLock()
	s, ok := b.sessions[id]
	info, finished := b.finished[id]
	b.mu.RUnlock()
	if finished {
		return info, nil
	}
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-s.done:
		return b.Get(id)
	case <-ctx.Done():
		return s.info(), ctx.Err()
	}
}

// Shutdown terminates every session and waits for them to flush.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.stop(ErrShutdown)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RejectResponse records an executor response dropped before it reached a
// session, for example by the transport mux.
func (b *Broker) RejectResponse(resp transport.Response, reason string) {
	b.rejectResponse("", resp, reason)
}

func (b *Broker) rejectResponse(sessionID string, resp transport.Response, reason string) {
	slog.Warn("executor response rejected",
		"session_id", sessionID,
		"correlation_id", resp.CorrelationID,
		"reason", reason)
	b.noteMetrics(b.opts.Metrics.RecordRejectedResponse())
	b.emit(audit.Event{
		Type:          audit.TypeResponseRejected,
		SessionID:     sessionID,
		State:         Acting{}.Name(),
		CorrelationID: resp.CorrelationID,
		Outcome:       string(resp.Status),
		Detail:        reason,
	})
}

func (b *Broker) onKill(reason string) {
	slog.Error("kill switch engaged, terminating all sessions", "reason", reason)
	b.mu.RLock()
	for _, s := range b.sessions {
		s.cancel(ErrKillSwitchEngaged)
	}
	b.mu.RUnlock()

	if b.opts.Killer != nil {
		if err := b.opts.Killer.Kill(reason); err != nil {
			slog.Error("forwarding kill switch to executors failed", "error", err)
		}
	}
	b.noteMetrics(b.opts.Metrics.RecordKillSwitch())
	b.emit(audit.Event{Type: audit.TypeKillSwitch, Detail: reason})
}

// noteMetrics logs a failed metrics write. Metrics never block a session.
func (b *Broker) noteMetrics(_ metrics.Snapshot, err error) {
	if err != nil {
		slog.Warn("record broker metrics failed", "error", err)
	}
}

func (b *Broker) emit(ev audit.Event) {
	if ev.Time.IsZero() {
		ev.Time = b.opts.Now().UTC()
	}
	if err := b.opts.Audit.Append(ev); err != nil {
		slog.Warn("audit append failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
	}
}

func (b *Broker) finish(s *session) {
	final, _ := s.State().(Terminated)
	if s.executor != nil {
		if closer, ok := s.executor.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	detail := ""
	if final.Err != nil {
		detail = final.Err.Error()
	}
	b.emit(audit.Event{Seq: s.nextSeq(), Type: audit.TypeSessionClosed, SessionID: s.id, State: final.Name(), Outcome: final.Reason, Detail: detail})
	b.noteMetrics(b.opts.Metrics.RecordSessionEnd(final.Reason))

	switch final.Reason {
	case ReasonCompleted:
		slog.Info("session completed", "session_id", s.id)
	case ReasonKillSwitch:
		slog.Error("session terminated by kill switch", "session_id", s.id)
	default:
		slog.Warn("session terminated", "session_id", s.id, "reason", final.Reason, "error", final.Err)
	}

	s.closeSubscribers()
	s.cancel(nil)

	info := s.info()
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.finished[s.id] = info
	b.order = append(b.order, s.id)
	for len(b.order) > b.opts.RetainFinished {
		delete(b.finished, b.order[0])
		b.order = b.order[1:]
	}
	b.mu.Unlock()
	close(s.done)
}
