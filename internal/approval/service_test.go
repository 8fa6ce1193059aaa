package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
)

func clickInput(element string, ttl time.Duration) CreateInput {
	return CreateInput{
		SessionID: "s-1",
		Action:    action.New(action.UIClick{ElementID: element}),
		Tier:      classifier.Caution,
		Reason:    "write lock is on",
		TTL:       ttl,
	}
}

func TestService_CreateAndApproveFlow(t *testing.T) {
	workspace := t.TempDir()
	svc := NewService(workspace)
	fixedNow := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixedNow }

	created, err := svc.Create(clickInput("1:0", 5*time.Minute))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty id")
	}
	if created.Status != StatusPending {
		t.Fatalf("expected status %q, got %q", StatusPending, created.Status)
	}
	if created.Signature != action.New(action.UIClick{ElementID: "1:0"}).Signature() {
		t.Fatalf("unexpected signature %q", created.Signature)
	}
	if created.RequestedAt != fixedNow {
		t.Fatalf("unexpected requested_at: %s", created.RequestedAt)
	}

	svc.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	approved, record, err := svc.Resolve(created.ID, DecisionInput{
		Decision:  DecisionAllowAlways,
		DecidedBy: "owner",
		Note:      "fine",
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("expected status %q, got %q", StatusApproved, approved.Status)
	}
	if record.Decision != DecisionAllowAlways || record.Signature != created.Signature || record.DecidedBy != "owner" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if !record.Rememberable() {
		t.Fatal("allow_always should be rememberable")
	}

	reloaded := NewService(workspace)
	persisted, err := reloaded.List(Query{Status: StatusApproved})
	if err != nil {
		t.Fatalf("List after reload error: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 approved request after reload, got %d", len(persisted))
	}
	if !action.Equal(persisted[0].Action, created.Action) {
		t.Fatalf("action did not survive persistence: %s", persisted[0].Action)
	}
	records, err := reloaded.Records()
	if err != nil || len(records) != 1 {
		t.Fatalf("expected 1 record after reload, got %d (%v)", len(records), err)
	}
}

func TestService_RejectFlow(t *testing.T) {
	svc := NewService(t.TempDir())
	fixedNow := time.Date(2026, 2, 15, 11, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixedNow }

	created, err := svc.Create(clickInput("2:0", time.Hour))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	rejected, err := svc.Reject(created.ID, DecisionInput{DecidedBy: "owner", Note: "not needed"})
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.Decision != DecisionDeny {
		t.Fatalf("unexpected rejected request: %+v", rejected)
	}
	if rejected.DecisionNote != "not needed" {
		t.Fatalf("unexpected decision_note: %q", rejected.DecisionNote)
	}
}

func TestService_ExpirePendingByTTL(t *testing.T) {
	svc := NewService(t.TempDir())
	baseNow := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return baseNow }

	expiringSoon, err := svc.Create(clickInput("1:0", 30*time.Second))
	if err != nil {
		t.Fatalf("Create expiringSoon error: %v", err)
	}
	stillPending, err := svc.Create(clickInput("1:1", 5*time.Minute))
	if err != nil {
		t.Fatalf("Create stillPending error: %v", err)
	}

	svc.now = func() time.Time { return baseNow.Add(31 * time.Second) }
	expired, err := svc.ExpirePending()
	if err != nil {
		t.Fatalf("ExpirePending error: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != expiringSoon.ID {
		t.Fatalf("expected %s to expire, got %+v", expiringSoon.ID, expired)
	}
	if expired[0].DecidedBy != SystemDecider || expired[0].Decision != DecisionDeny {
		t.Fatalf("unexpected expired request: %+v", expired[0])
	}

	pending, err := svc.List(Query{Status: StatusPending})
	if err != nil {
		t.Fatalf("List pending error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != stillPending.ID {
		t.Fatalf("expected %s pending, got %+v", stillPending.ID, pending)
	}

	remembered, err := svc.Remembered()
	if err != nil {
		t.Fatalf("Remembered error: %v", err)
	}
	if len(remembered) != 0 {
		t.Fatalf("implicit denials must not be remembered, got %+v", remembered)
	}
}

func TestService_CreateRejectsInvalidAction(t *testing.T) {
	svc := NewService(t.TempDir())
	if _, err := svc.Create(CreateInput{Action: action.New(action.UIClick{})}); err == nil {
		t.Fatal("expected create to fail for invalid action")
	}
	if _, err := svc.Create(CreateInput{}); err == nil {
		t.Fatal("expected create to fail for empty action")
	}
}

func TestService_ResolveAlreadyDecidedFails(t *testing.T) {
	svc := NewService(t.TempDir())
	now := time.Date(2026, 2, 15, 13, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	req, err := svc.Create(clickInput("1:0", time.Minute))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := svc.Approve(req.ID, DecisionInput{DecidedBy: "owner"}); err != nil {
		t.Fatalf("first approve error: %v", err)
	}
	if _, err := svc.Approve(req.ID, DecisionInput{DecidedBy: "owner"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := svc.Approve("404", DecisionInput{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ResolveAfterTTLFails(t *testing.T) {
	svc := NewService(t.TempDir())
	now := time.Date(2026, 2, 15, 13, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	req, err := svc.Create(clickInput("1:0", time.Minute))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := svc.Approve(req.ID, DecisionInput{DecidedBy: "owner"}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestService_CreateDefaultTTLApplied(t *testing.T) {
	svc := NewService(t.TempDir())
	now := time.Date(2026, 2, 15, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	req, err := svc.Create(clickInput("1:0", 0))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !req.ExpiresAt.Equal(now.Add(defaultTTL)) {
		t.Fatalf("expected expires_at %s, got %s", now.Add(defaultTTL), req.ExpiresAt)
	}
}

func TestService_NotifierReceivesPending(t *testing.T) {
	svc := NewService(t.TempDir())
	var got []Request
	svc.SetNotifier(func(r Request) { got = append(got, r) })
	if _, err := svc.Create(clickInput("1:0", time.Minute)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "s-1" || got[0].Tier != classifier.Caution {
		t.Fatalf("unexpected notifications: %+v", got)
	}
}

func TestService_AwaitSeesResolutionFromAnotherProcess(t *testing.T) {
	workspace := t.TempDir()
	svc := NewService(workspace)
	svc.SetPollInterval(5 * time.Millisecond)

	req, err := svc.Create(clickInput("1:0", time.Minute))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cli := NewService(workspace)
		if _, _, err := cli.Resolve(req.ID, DecisionInput{Decision: DecisionAllowOnce, DecidedBy: "cli"}); err != nil {
			t.Errorf("Resolve error: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := svc.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("Await error: %v", err)
	}
	if record.Decision != DecisionAllowOnce || record.DecidedBy != "cli" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestService_AwaitTimeoutIsImplicitDeny(t *testing.T) {
	svc := NewService(t.TempDir())
	svc.SetPollInterval(5 * time.Millisecond)
	base := time.Date(2026, 2, 15, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	req, err := svc.Create(clickInput("1:0", time.Second))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	svc.now = func() time.Time { return base.Add(time.Minute) }

	record, err := svc.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await error: %v", err)
	}
	if record.Decision != DecisionDeny || !record.Implicit || record.DecidedBy != SystemDecider {
		t.Fatalf("expected implicit deny, got %+v", record)
	}
}

func TestService_AwaitCancelled(t *testing.T) {
	svc := NewService(t.TempDir())
	svc.SetPollInterval(5 * time.Millisecond)
	req, err := svc.Create(clickInput("1:0", time.Hour))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	record, err := svc.Await(ctx, req.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if record.Decision != DecisionDeny || !record.Implicit {
		t.Fatalf("expected implicit deny, got %+v", record)
	}
	listed, err := svc.List(Query{ID: req.ID})
	if err != nil || len(listed) != 1 || listed[0].Status != StatusExpired {
		t.Fatalf("expected request to be expired, got %+v (%v)", listed, err)
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"once": DecisionAllowOnce, "always": DecisionAllowAlways, "reject": DecisionDeny} {
		got, ok := ParseDecision(in)
		if !ok || got != want {
			t.Fatalf("ParseDecision(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseDecision("maybe"); ok {
		t.Fatal("expected unknown decision to fail")
	}
}
