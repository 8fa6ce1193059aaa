package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecorder_AggregatesDispatchStats(t *testing.T) {
	workspace := t.TempDir()
	recorder := NewRecorder(workspace)
	defer recorder.Close()

	snap, err := recorder.RecordDispatch(120*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("RecordDispatch success error: %v", err)
	}
	if snap.Dispatch.Total != 1 || snap.Dispatch.Errors != 0 || snap.Dispatch.Timeouts != 0 {
		t.Fatalf("unexpected first dispatch snapshot: %+v", snap.Dispatch)
	}

	_, _ = recorder.RecordDispatch(250*time.Millisecond, errors.New("executor failed"))
	_, _ = recorder.RecordDispatch(2*time.Second, context.DeadlineExceeded)
	snap, _ = recorder.RecordDispatch(1500*time.Millisecond, errors.New("request timed out"))

	if snap.Dispatch.Total != 4 {
		t.Fatalf("expected 4 dispatches, got %d", snap.Dispatch.Total)
	}
	if snap.Dispatch.Errors != 3 {
		t.Fatalf("expected 3 errors, got %d", snap.Dispatch.Errors)
	}
	if snap.Dispatch.Timeouts != 2 {
		t.Fatalf("expected 2 timeouts, got %d", snap.Dispatch.Timeouts)
	}
	if got := snap.Dispatch.ErrorRatio(); got < 0.74 || got > 0.76 {
		t.Fatalf("expected error ratio about 0.75, got %.4f", got)
	}
	if got := snap.Dispatch.TimeoutRatio(); got < 0.49 || got > 0.51 {
		t.Fatalf("expected timeout ratio about 0.50, got %.4f", got)
	}
	if snap.Dispatch.MaxLatencyMs != 2000 || snap.Dispatch.P95ProxyLatencyMs <= 0 {
		t.Fatalf("unexpected latency stats: %+v", snap.Dispatch)
	}
}

func TestRecorder_VerdictsSessionsAndKillSwitch(t *testing.T) {
	recorder := NewRecorder(t.TempDir())

	for _, v := range []string{"allow", "allow", "deny", "require_approval", "bogus"} {
		_, _ = recorder.RecordVerdict(v)
	}
	_, _ = recorder.RecordApproval(true)
	_, _ = recorder.RecordApproval(false)
	_, _ = recorder.RecordSessionStart()
	_, _ = recorder.RecordSessionStart()
	_, _ = recorder.RecordSessionEnd("completed")
	_, _ = recorder.RecordSessionEnd("kill_switch")
	_, _ = recorder.RecordRejectedResponse()
	snap, _ := recorder.RecordKillSwitch()

	if snap.Verdicts != (VerdictStats{Allow: 2, Deny: 1, RequireApproval: 1, Approved: 1, Rejected: 1}) {
		t.Fatalf("unexpected verdicts: %+v", snap.Verdicts)
	}
	if snap.Sessions.Started != 2 || snap.Sessions.Ended["completed"] != 1 || snap.Sessions.Ended["kill_switch"] != 1 {
		t.Fatalf("unexpected sessions: %+v", snap.Sessions)
	}
	if snap.KillSwitch != 1 || snap.Dispatch.Rejected != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}

	// Snapshots are copies.
	snap.Sessions.Ended["completed"] = 99
	if recorder.Snapshot().Sessions.Ended["completed"] != 1 {
		t.Fatal("snapshot shares map with recorder")
	}
}

func TestRecorder_ReadSnapshot(t *testing.T) {
	workspace := t.TempDir()
	recorder := NewRecorder(workspace)
	if _, err := recorder.RecordDispatch(99*time.Millisecond, nil); err != nil {
		t.Fatalf("RecordDispatch error: %v", err)
	}
	if _, err := recorder.RecordSessionStart(); err != nil {
		t.Fatalf("RecordSessionStart error: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	snap, err := ReadSnapshot(workspace)
	if err != nil {
		t.Fatalf("ReadSnapshot error: %v", err)
	}
	if snap.Dispatch.Total != 1 || snap.Sessions.Started != 1 || !snap.HasData() {
		t.Fatalf("unexpected loaded snapshot: %+v", snap)
	}

	empty, err := ReadSnapshot(t.TempDir())
	if err != nil || empty.HasData() {
		t.Fatalf("expected empty snapshot, got %+v, %v", empty, err)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var recorder *Recorder
	if _, err := recorder.RecordDispatch(time.Second, nil); err != nil {
		t.Fatalf("nil recorder: %v", err)
	}
	if recorder.Snapshot().HasData() || recorder.Close() != nil {
		t.Fatal("nil recorder should be empty")
	}
}
