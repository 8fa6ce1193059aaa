package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	return e
}

func allowAlways(a action.Action) approval.Record {
	return approval.Record{
		RequestID: "1",
		Signature: a.Signature(),
		Decision:  approval.DecisionAllowAlways,
		DecidedBy: "owner",
	}
}

func TestEngine_ClickNeedsApprovalUntilUnlocked(t *testing.T) {
	e := newTestEngine(t, Options{})
	click := action.New(action.UIClick{ElementID: "4:1"})

	d := e.Check(click)
	if d.Verdict != VerdictRequireApproval {
		t.Fatalf("expected %q, got %q (%s)", VerdictRequireApproval, d.Verdict, d.Message())
	}
	if _, ok := d.Authorization(); ok {
		t.Fatal("require_approval must not carry an authorization")
	}

	e.Unlock()
	d = e.Check(click)
	if d.Verdict != VerdictAllow {
		t.Fatalf("expected %q after unlock, got %q", VerdictAllow, d.Verdict)
	}
	auth, ok := d.Authorization()
	if !ok || !auth.Covers(click) {
		t.Fatal("allow must carry an authorization for the exact action")
	}
}

func TestEngine_TerminateDeniedEvenWhenUnlocked(t *testing.T) {
	e := newTestEngine(t, Options{})
	e.Unlock()
	d := e.Check(action.New(action.Terminate{}))
	if d.Verdict != VerdictDeny {
		t.Fatalf("expected %q, got %q", VerdictDeny, d.Verdict)
	}
	if !errors.Is(d.Err(), ErrPolicyViolation) {
		t.Fatalf("expected policy violation error, got %v", d.Err())
	}
}

func TestEngine_SafeAlwaysAllowed(t *testing.T) {
	e := newTestEngine(t, Options{Deny: []Rule{{Kinds: []action.Kind{action.KindUISnapshot}}}})
	d := e.Check(action.New(action.UISnapshot{}))
	if !d.Allowed() || d.Tier != classifier.Safe {
		t.Fatalf("expected safe allow, got %+v", d)
	}
	d = e.Check(action.New(action.ShellExec{Command: "ls -la"}))
	if !d.Allowed() {
		t.Fatalf("expected safe shell allow, got %s", d.Message())
	}
}

func TestEngine_LockUnlockIdempotent(t *testing.T) {
	e := newTestEngine(t, Options{})
	e.Lock()
	e.Lock()
	if !e.Locked() {
		t.Fatal("expected locked after lock twice")
	}
	e.Unlock()
	e.Unlock()
	if e.Locked() {
		t.Fatal("expected unlocked after unlock twice")
	}
	if e.State().WriteLock {
		t.Fatal("state copy disagrees with Locked()")
	}
}

func TestEngine_CriticalNeverAutoAllowed(t *testing.T) {
	critical := []action.Action{
		action.New(action.ShellExec{Command: "sudo rm -rf /"}),
		action.New(action.FileDelete{Path: "/etc/hosts"}),
		action.New(action.ProcessKill{PID: 99999999}),
		action.New(action.AppQuit{App: "Mail"}),
		action.New(action.ShellExec{Command: "ls\x00"}),
	}
	for _, unlocked := range []bool{false, true} {
		e := newTestEngine(t, Options{
			Unlocked: unlocked,
			Allow:    []Rule{{Targets: []string{"*"}}},
		})
		for _, a := range critical {
			e.ApplyApproval("", a, allowAlways(a))
			if d := e.Check(a); d.Verdict == VerdictAllow {
				t.Fatalf("critical %s auto-allowed (unlocked=%v): %s", a, unlocked, d.Message())
			}
		}
	}
}

func TestEngine_ApplyApprovalAllowOnceIsNotRemembered(t *testing.T) {
	e := newTestEngine(t, Options{})
	click := action.New(action.UIClick{ElementID: "2:0"})
	record := approval.Record{RequestID: "7", Signature: click.Signature(), Decision: approval.DecisionAllowOnce}

	d := e.ApplyApproval("s1", click, record)
	auth, ok := d.Authorization()
	if !ok {
		t.Fatalf("expected allow, got %s", d.Message())
	}
	if auth.Source() != "approval:7" || auth.SessionID() != "s1" {
		t.Fatalf("unexpected grant: source=%q session=%q", auth.Source(), auth.SessionID())
	}
	if got := e.Check(click); got.Verdict != VerdictRequireApproval {
		t.Fatalf("allow_once must not be remembered, got %q", got.Verdict)
	}
}

func TestEngine_ApplyApprovalAllowAlwaysRememberedForCaution(t *testing.T) {
	e := newTestEngine(t, Options{})
	click := action.New(action.UIClick{ElementID: "2:0"})
	e.ApplyApproval("", click, allowAlways(click))

	d := e.Check(click)
	if d.Verdict != VerdictAllow || d.Rule != RuleRemembered {
		t.Fatalf("expected remembered allow, got %s", d.Message())
	}
	other := action.New(action.UIClick{ElementID: "2:1"})
	if e.Check(other).Verdict != VerdictRequireApproval {
		t.Fatal("remembered decision leaked to a different target")
	}
	typed := action.New(action.KeyboardType{Text: "2:0"})
	if e.Check(typed).Verdict != VerdictRequireApproval {
		t.Fatal("remembered decision leaked to a different kind")
	}
}

func TestEngine_RememberedDenyBeatsUnlock(t *testing.T) {
	e := newTestEngine(t, Options{Unlocked: true})
	typed := action.New(action.KeyboardType{Text: "hunter2"})
	d := e.ApplyApproval("", typed, approval.Record{Signature: typed.Signature(), Decision: approval.DecisionDeny, DecidedBy: "owner"})
	if d.Verdict != VerdictDeny {
		t.Fatalf("expected deny, got %q", d.Verdict)
	}
	if got := e.Check(typed); got.Verdict != VerdictDeny || got.Rule != RuleRemembered {
		t.Fatalf("expected remembered deny, got %s", got.Message())
	}
}

func TestEngine_ImplicitDenyNotRemembered(t *testing.T) {
	e := newTestEngine(t, Options{Unlocked: true})
	typed := action.New(action.KeyboardType{Text: "x"})
	e.ApplyApproval("", typed, approval.Record{Signature: typed.Signature(), Decision: approval.DecisionDeny, Implicit: true})
	if got := e.Check(typed); got.Verdict != VerdictAllow {
		t.Fatalf("implicit deny must not be remembered, got %s", got.Message())
	}
}

func TestEngine_ApplyApprovalCannotOverrideForbidden(t *testing.T) {
	e := newTestEngine(t, Options{})
	term := action.New(action.Terminate{})
	d := e.ApplyApproval("", term, approval.Record{Signature: term.Signature(), Decision: approval.DecisionAllowOnce})
	if d.Verdict != VerdictDeny || d.Rule != RuleForbidden {
		t.Fatalf("expected forbidden deny, got %s", d.Message())
	}
}

func TestEngine_ApplyApprovalRejectsMismatchedSignature(t *testing.T) {
	e := newTestEngine(t, Options{})
	approved := action.New(action.UIClick{ElementID: "1:0"})
	swapped := action.New(action.ShellExec{Command: "rm notes.txt"})
	d := e.ApplyApproval("", swapped, allowAlways(approved))
	if d.Verdict != VerdictDeny || d.Rule != RuleSignature {
		t.Fatalf("expected signature mismatch deny, got %s", d.Message())
	}
}

func TestEngine_SessionScopedMemory(t *testing.T) {
	e := newTestEngine(t, Options{})
	click := action.New(action.UIClick{ElementID: "9:0"})
	record := allowAlways(click)
	record.SessionID = "a"
	record.Scope = approval.ScopeSession
	e.ApplyApproval("a", click, record)

	if e.CheckSession("a", click).Verdict != VerdictAllow {
		t.Fatal("expected allow in originating session")
	}
	if e.CheckSession("b", click).Verdict != VerdictRequireApproval {
		t.Fatal("session scoped memory applied to another session")
	}
}

func TestEngine_RememberedExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, Options{RememberTTL: time.Hour, Now: func() time.Time { return now }})
	click := action.New(action.UIClick{ElementID: "1:0"})
	e.ApplyApproval("", click, allowAlways(click))
	if e.Check(click).Verdict != VerdictAllow {
		t.Fatal("expected remembered allow")
	}
	now = now.Add(2 * time.Hour)
	if e.Check(click).Verdict != VerdictRequireApproval {
		t.Fatal("expected remembered decision to expire")
	}
	if len(e.State().Remembered) != 0 {
		t.Fatal("expired decisions should not appear in state")
	}
}

func TestEngine_SeededRememberedRecords(t *testing.T) {
	click := action.New(action.UIClick{ElementID: "1:0"})
	once := action.New(action.UIClick{ElementID: "1:1"})
	e := newTestEngine(t, Options{Remembered: []approval.Record{
		allowAlways(click),
		{Signature: once.Signature(), Decision: approval.DecisionAllowOnce},
	}})
	if e.Check(click).Verdict != VerdictAllow {
		t.Fatal("expected seeded allow_always to apply")
	}
	if e.Check(once).Verdict != VerdictRequireApproval {
		t.Fatal("allow_once records must not be seeded")
	}
}

func TestEngine_AllowListBypassesLockForCautionOnly(t *testing.T) {
	e := newTestEngine(t, Options{Allow: []Rule{{Name: "git", Kinds: []action.Kind{action.KindShellExec}, Targets: []string{"git *"}}}})
	if d := e.Check(action.New(action.ShellExec{Command: "git mv a b"})); d.Verdict != VerdictAllow {
		t.Fatalf("expected allow list to apply, got %s", d.Message())
	}
	if d := e.Check(action.New(action.ShellExec{Command: "git clean -fdx && sudo rm -rf /"})); d.Verdict == VerdictAllow {
		t.Fatal("allow list must not apply to critical actions")
	}
}

func TestEngine_MessagesNameTierAndRule(t *testing.T) {
	e := newTestEngine(t, Options{})
	d := e.Check(action.New(action.ShellExec{Command: "rm notes.txt"}))
	msg := d.Message()
	for _, want := range []string{"caution", "write_lock", "rm"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q does not mention %q", msg, want)
		}
	}
}

func TestEngine_RedeemOnce(t *testing.T) {
	e := newTestEngine(t, Options{})
	auth, ok := e.Check(action.New(action.UISnapshot{})).Authorization()
	if !ok {
		t.Fatal("expected authorization")
	}
	if err := e.Redeem(auth); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := e.Redeem(auth); !errors.Is(err, ErrAuthorizationUsed) {
		t.Fatalf("expected ErrAuthorizationUsed, got %v", err)
	}
	if err := e.Redeem(Authorization{}); !errors.Is(err, ErrAuthorizationInvalid) {
		t.Fatalf("expected ErrAuthorizationInvalid, got %v", err)
	}
	other := newTestEngine(t, Options{})
	foreign, _ := other.Check(action.New(action.UISnapshot{})).Authorization()
	if err := e.Redeem(foreign); !errors.Is(err, ErrAuthorizationInvalid) {
		t.Fatalf("expected foreign grant to be rejected, got %v", err)
	}
}

func TestEngine_RedeemSharedAcrossCopies(t *testing.T) {
	e := newTestEngine(t, Options{})
	auth, ok := e.Check(action.New(action.UIFind{Query: "ok"})).Authorization()
	if !ok {
		t.Fatal("expected authorization")
	}
	copies := []Authorization{auth, auth, auth, auth}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, c := range copies {
		wg.Add(1)
		go func(c Authorization) {
			defer wg.Done()
			if e.Redeem(c) == nil {
				wins.Add(1)
			}
		}(c)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one redemption, got %d", wins.Load())
	}
	if !auth.Redeemed() {
		t.Fatal("original grant should see the redemption")
	}
}

func TestEngine_SafeAllowedEvenWhenPayloadIncomplete(t *testing.T) {
	e := newTestEngine(t, Options{})
	for _, a := range []action.Action{
		action.New(action.ShellExec{Command: "   "}),
		action.New(action.UIFind{}),
	} {
		d := e.Check(a)
		if d.Verdict != VerdictAllow || d.Tier != classifier.Safe {
			t.Fatalf("%s: expected safe allow, got %+v", a, d)
		}
	}
	if d := e.Check(action.New(action.UIClick{})); d.Verdict != VerdictDeny {
		t.Fatalf("incomplete caution action should be denied, got %+v", d)
	}
}

func TestEngine_ConcurrentReadsAndWrites(t *testing.T) {
	e := newTestEngine(t, Options{})
	click := action.New(action.UIClick{ElementID: "1:0"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = e.Check(click)
				_ = e.Check(action.New(action.UISnapshot{}))
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					e.Lock()
				} else {
					e.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `write_lock: false
allow:
  - name: editor
    kinds: [ui_click, keyboard_type]
    targets: ["editor:*"]
deny:
  - name: ssh
    kinds: [shell_exec]
    targets: ["*ssh *"]
host_processes: [steward]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if f.WriteLock == nil || *f.WriteLock {
		t.Fatal("expected write_lock false")
	}
	if len(f.Allow) != 1 || len(f.Deny) != 1 || len(f.HostProcesses) != 1 {
		t.Fatalf("unexpected file: %+v", f)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("allow:\n  - kinds: [format_disk]\n"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Fatal("expected validation error")
	}
	unknown := filepath.Join(t.TempDir(), "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("allow_everything: true\n"), 0o644); err != nil {
		t.Fatalf("write unknown file: %v", err)
	}
	if _, err := LoadFile(unknown); err == nil {
		t.Fatal("expected unknown field error")
	}
}
