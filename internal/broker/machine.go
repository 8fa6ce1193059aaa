package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/audit"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
	"github.com/NOVA-ALLRounder/main-sub001/internal/planner"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

// run is the only goroutine that transitions s.
func (b *Broker) run(s *session) {
	defer b.wg.Done()
	defer b.finish(s)

	var last *Verifying
	b.transition(s, Observing{}, "goal received")
	for {
		var (
			next    State
			outcome string
		)
		if _, done := s.State().(Terminated); !done {
			if t, ok := b.preempt(s); ok {
				b.transition(s, t, t.Reason)
				continue
			}
		}
		switch st := s.State().(type) {
		case Observing:
			next, outcome = b.observe(s, last)
		case Deciding:
			next, outcome = b.decide(s, st)
		case Authorizing:
			next, outcome = b.gate(s, st)
		case Acting:
			next, outcome = b.act(s, st)
		case Verifying:
			last = &st
			next, outcome = b.verify(s, st)
		case Terminated:
			return
		default:
			next, outcome = Terminated{Reason: "invalid_state", Err: fmt.Errorf("unexpected state %T", st)}, "invalid state"
		}
		b.transition(s, next, outcome)
	}
}

// transition records next unless the kill switch or a cancellation
// pre-empts it.
func (b *Broker) transition(s *session, next State, outcome string) {
	if t, ok := b.preempt(s); ok {
		next, outcome = t, t.Reason
	}

	entry := Entry{
		Seq:       s.nextSeq(),
		State:     next.Name(),
		Outcome:   outcome,
		Timestamp: b.opts.Now().UTC(),
	}
	ev := audit.Event{
		Seq:       entry.Seq,
		Time:      entry.Timestamp,
		Type:      audit.TypeTransition,
		SessionID: s.id,
		State:     entry.State,
		Outcome:   outcome,
	}
	var a action.Action
	switch st := next.(type) {
	case Authorizing:
		a = st.Pending
		ev.Tier = classifier.Classify(a).Tier.String()
	case Acting:
		a = st.Action()
		ev.Tier = st.Grant().Tier().String()
		ev.CorrelationID = st.CorrelationID()
	case Verifying:
		a = st.Executed
		ev.CorrelationID = st.Result.CorrelationID
	case Terminated:
		if st.Err != nil {
			ev.Detail = st.Err.Error()
		}
	}
	if !a.IsZero() {
		entry.Action = a
		entry.ActionKind = string(a.Kind())
		entry.Summary = a.String()
		ev.ActionKind = entry.ActionKind
		ev.Action = entry.Summary
		ev.Signature = a.Signature()
	}

	s.record(next, entry)
	b.emit(ev)
	slog.Debug("session transition", "session_id", s.id, "state", entry.State, "action", entry.Summary, "outcome", outcome)
}

func (b *Broker) preempt(s *session) (Terminated, bool) {
	if b.kill.Engaged() {
		return Terminated{Reason: ReasonKillSwitch, Err: fmt.Errorf("%w: %s", ErrKillSwitchEngaged, b.kill.Reason())}, true
	}
	cause := context.Cause(s.ctx)
	switch {
	case cause == nil:
		return Terminated{}, false
	case errors.Is(cause, ErrKillSwitchEngaged):
		return Terminated{Reason: ReasonKillSwitch, Err: cause}, true
	case errors.Is(cause, ErrCancelled):
		return Terminated{Reason: ReasonCancelled, Err: ErrCancelled}, true
	default:
		return Terminated{Reason: ReasonShutdown, Err: ErrShutdown}, true
	}
}

func (b *Broker) observe(s *session, last *Verifying) (State, string) {
	snapshot, err := b.opts.Observe(s.ctx, s.id, last)
	if err != nil {
		snapshot = "observation failed: " + err.Error()
	}
	return Deciding{Snapshot: snapshot}, "snapshot captured"
}

func (b *Broker) decide(s *session, st Deciding) (State, string) {
	if s.steps >= b.opts.MaxSteps {
		return Terminated{Reason: ReasonStepLimit, Err: fmt.Errorf("%w: %d", ErrStepLimit, b.opts.MaxSteps)}, "step limit"
	}

	ctx, cancel := context.WithTimeout(s.ctx, b.opts.PlannerTimeout)
	proposal, err := b.opts.Planner.Propose(ctx, planner.Input{
		SessionID: s.id,
		Goal:      s.goal,
		Snapshot:  st.Snapshot,
		History:   append([]planner.Step(nil), s.past...),
	})
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return Observing{}, "planner interrupted"
		}
		slog.Warn("planner failed", "session_id", s.id, "error", err)
		return b.failed(s, err, "planner error: "+err.Error())
	}
	if proposal.Done {
		return Terminated{Reason: ReasonCompleted}, proposal.Rationale
	}
	s.steps++
	return Authorizing{Pending: proposal.Action}, proposal.Rationale
}

// gate is the only path into Acting: every grant passes through admit.
func (b *Broker) gate(s *session, st Authorizing) (State, string) {
	d := b.opts.Policy.CheckSession(s.id, st.Pending)
	b.recordDecision(s, st.Pending, d)

	if d.Verdict == policy.VerdictRequireApproval {
		d = b.requestApproval(s, st, d)
	}
	if d.Allowed() {
		return b.admit(s, st, d)
	}
	return b.reject(s, st, d)
}

func (b *Broker) admit(s *session, st Authorizing, d policy.Decision) (State, string) {
	grant, _ := d.Authorization()
	acting, err := authorize(st, s.id, grant, b.opts.NewID())
	if err != nil {
		slog.Error("authorization does not cover pending action", "session_id", s.id, "error", err)
		return b.reject(s, st, policy.Decision{Verdict: policy.VerdictDeny, Tier: d.Tier, Rule: policy.RuleSignature, Reason: err.Error()})
	}
	return acting, d.Message()
}

func (b *Broker) reject(s *session, st Authorizing, d policy.Decision) (State, string) {
	err := d.Err()
	if err == nil {
		err = &policy.PolicyViolationError{Decision: d}
	}
	if classifier.Classify(st.Pending).Failed() {
		err = fmt.Errorf("%w: %w", ErrClassificationFailure, err)
	}
	slog.Info("action denied", "session_id", s.id, "action", st.Pending.String(), "tier", d.Tier.String(), "rule", d.Rule, "error", err)
	s.remember(planner.Step{Action: st.Pending, Verdict: string(policy.VerdictDeny), Outcome: err.Error()})
	return Observing{}, d.Message()
}

func (b *Broker) recordDecision(s *session, a action.Action, d policy.Decision) {
	b.noteMetrics(b.opts.Metrics.RecordVerdict(string(d.Verdict)))
	b.emit(audit.Event{
		Seq:        s.nextSeq(),
		Type:       audit.TypeDecision,
		SessionID:  s.id,
		State:      Authorizing{}.Name(),
		ActionKind: string(a.Kind()),
		Action:     a.String(),
		Signature:  signatureOf(a),
		Tier:       d.Tier.String(),
		Outcome:    string(d.Verdict),
		Detail:     d.Message(),
	})
}

// requestApproval suspends the session until a human decides, the request
// times out, or the session is pre-empted. Only a contemporaneous decision
// applied by the policy engine can turn the verdict into Allow.
func (b *Broker) requestApproval(s *session, st Authorizing, d policy.Decision) policy.Decision {
	deny := func(reason string) policy.Decision {
		return policy.Decision{Verdict: policy.VerdictDeny, Tier: d.Tier, Rule: policy.RuleApproval, Reason: reason}
	}
	if b.opts.Approvals == nil {
		return deny("no approval surface configured: " + d.Reason)
	}

	req, err := b.opts.Approvals.Create(approval.CreateInput{
		SessionID: s.id,
		Action:    st.Pending,
		Tier:      d.Tier,
		Reason:    d.Message(),
		TTL:       b.opts.ApprovalTTL,
	})
	if err != nil {
		slog.Error("approval request failed", "session_id", s.id, "error", err)
		return deny("approval request failed: " + err.Error())
	}
	s.setApproval(req.ID)
	b.emit(audit.Event{
		Seq:        s.nextSeq(),
		Type:       audit.TypeApprovalRequested,
		SessionID:  s.id,
		State:      Authorizing{}.Name(),
		ActionKind: string(st.Pending.Kind()),
		Action:     st.Pending.String(),
		Signature:  req.Signature,
		Tier:       d.Tier.String(),
		Outcome:    req.ID,
		Detail:     d.Message(),
	})
	slog.Warn("approval required", "session_id", s.id, "request_id", req.ID, "action", st.Pending.String(), "tier", d.Tier.String(), "rule", d.Rule)

	record, err := b.opts.Approvals.Await(s.ctx, req.ID)
	if s.ctx.Err() != nil {
		return deny("approval wait interrupted")
	}
	if err != nil {
		slog.Error("approval wait failed", "session_id", s.id, "request_id", req.ID, "error", err)
		return deny("approval wait failed: " + err.Error())
	}

	resolved := b.opts.Policy.ApplyApproval(s.id, st.Pending, record)
	b.noteMetrics(b.opts.Metrics.RecordApproval(resolved.Allowed()))
	b.emit(audit.Event{
		Seq:        s.nextSeq(),
		Type:       audit.TypeApprovalResolved,
		SessionID:  s.id,
		State:      Authorizing{}.Name(),
		ActionKind: string(st.Pending.Kind()),
		Action:     st.Pending.String(),
		Signature:  record.Signature,
		Tier:       resolved.Tier.String(),
		Outcome:    string(record.Decision),
		Detail:     resolved.Message(),
	})
	return resolved
}

func (b *Broker) act(s *session, st Acting) (State, string) {
	// A kill that lands after Acting was recorded must stop the dispatch.
	if t, ok := b.preempt(s); ok {
		return t, t.Reason
	}
	a := st.Action()
	if err := b.opts.Policy.Redeem(st.Grant()); err != nil {
		res := Result{CorrelationID: st.CorrelationID(), Err: err}
		return Verifying{Executed: a, Result: res}, res.String()
	}
	if s.executor == nil {
		s.executor = b.opts.Executor(s.id)
	}

	ctx, cancel := context.WithTimeout(s.ctx, b.opts.ActionTimeout)
	defer cancel()

	b.emit(audit.Event{
		Seq:           s.nextSeq(),
		Type:          audit.TypeDispatch,
		SessionID:     s.id,
		State:         st.Name(),
		ActionKind:    string(a.Kind()),
		Action:        a.String(),
		Signature:     st.Grant().Signature(),
		Tier:          st.Grant().Tier().String(),
		CorrelationID: st.CorrelationID(),
		Detail:        st.Grant().Source(),
	})

	start := b.opts.Now()
	res := b.exchange(ctx, s, st)
	var runErr error
	switch {
	case res.Err != nil:
		runErr = res.Err
	case !res.OK:
		runErr = errors.New(res.Error)
	}
	b.noteMetrics(b.opts.Metrics.RecordDispatch(b.opts.Now().Sub(start), runErr))

	b.emit(audit.Event{
		Seq:           s.nextSeq(),
		Type:          audit.TypeResponse,
		SessionID:     s.id,
		State:         st.Name(),
		ActionKind:    string(a.Kind()),
		CorrelationID: st.CorrelationID(),
		Outcome:       res.String(),
		Detail:        truncate(res.Data, 512),
	})
	return Verifying{Executed: a, Result: res}, res.String()
}

// exchange sends the single in-flight request and waits for the response
// carrying its correlation id. Other responses are rejected and the
// session stays in Acting.
func (b *Broker) exchange(ctx context.Context, s *session, st Acting) Result {
	req := transport.Request{CorrelationID: st.CorrelationID(), SessionID: s.id, Action: st.Action()}
	if err := s.executor.Send(ctx, req); err != nil {
		return Result{CorrelationID: req.CorrelationID, Err: asTransportError("send", err)}
	}
	for {
		resp, err := s.executor.Receive(ctx)
		if err != nil {
			return Result{CorrelationID: req.CorrelationID, Err: asTransportError("receive", err)}
		}
		if resp.CorrelationID != req.CorrelationID {
			b.rejectResponse(s.id, resp, "correlation id does not match the in-flight request")
			continue
		}
		return Result{CorrelationID: resp.CorrelationID, OK: resp.OK(), Data: resp.Data, Error: resp.Error}
	}
}

func (b *Broker) verify(s *session, st Verifying) (State, string) {
	outcome := st.Result.Data
	if !st.Result.OK {
		outcome = st.Result.String()
	}
	s.remember(planner.Step{Action: st.Executed, Verdict: string(policy.VerdictAllow), OK: st.Result.OK, Outcome: outcome})

	if st.Result.OK {
		s.failures = 0
		return Observing{}, "verified"
	}
	cause := st.Result.Err
	if cause == nil {
		cause = fmt.Errorf("executor reported failure: %s", st.Result.Error)
	}
	return b.failed(s, cause, "verification failed: "+st.Result.String())
}

// failed counts a failed iteration toward the stall detector.
func (b *Broker) failed(s *session, cause error, outcome string) (State, string) {
	s.failures++
	if s.failures >= b.opts.StallThreshold {
		err := fmt.Errorf("%w: %d consecutive failures: %w", ErrStallDetected, s.failures, cause)
		return Terminated{Reason: ReasonNoProgress, Err: err}, outcome
	}
	return Observing{}, fmt.Sprintf("%s (%d/%d)", outcome, s.failures, b.opts.StallThreshold)
}

func (s *session) remember(step planner.Step) {
	s.past = append(s.past, step)
	if len(s.past) > maxPlannerHistory {
		s.past = s.past[len(s.past)-maxPlannerHistory:]
	}
}

func asTransportError(op string, err error) error {
	if errors.Is(err, transport.ErrTransport) {
		return err
	}
	return &transport.Error{Op: op, Err: err}
}

func signatureOf(a action.Action) string {
	if a.IsZero() {
		return ""
	}
	return a.Signature()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// LastOutcome is the default observer: the snapshot is the outcome of the
// previous action as reported by the executor.
func LastOutcome(_ context.Context, _ string, last *Verifying) (string, error) {
	if last == nil {
		return "no actions executed yet", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "last action %s: %s", last.Executed, last.Result)
	if data := strings.TrimSpace(last.Result.Data); data != "" {
		b.WriteString("\n")
		b.WriteString(truncate(data, 4096))
	}
	return b.String(), nil
}
