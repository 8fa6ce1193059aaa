package policy

import (
	"testing"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "", true},
		{"*", "/a/b", true},
		{"/tmp/*", "/tmp/a/b.txt", true},
		{"/tmp/*.log", "/tmp/x/y.log", true},
		{"/tmp/*.log", "/tmp/y.txt", false},
		{"save?", "save1", true},
		{"save?", "save", false},
		{"git *", "git status", true},
		{"git *", "gitk", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
	}
	for _, tc := range cases {
		if got := globMatch(tc.pattern, tc.s); got != tc.want {
			t.Fatalf("globMatch(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func TestForbidden_HostProcess(t *testing.T) {
	host := newHostIdentity([]int{4242}, []string{"Steward.exe"})
	cases := []struct {
		action action.Action
		want   bool
	}{
		{action.New(action.Terminate{}), true},
		{action.New(action.KillSwitchDisable{}), true},
		{action.New(action.ProcessKill{PID: 4242}), true},
		{action.New(action.ProcessKill{Name: "steward"}), true},
		{action.New(action.ProcessKill{PID: 7, Name: "python"}), false},
		{action.New(action.AppQuit{App: "STEWARD"}), true},
		{action.New(action.AppQuit{App: "Mail"}), false},
		{action.New(action.ShellExec{Command: "kill -9 4242"}), true},
		{action.New(action.ShellExec{Command: "pkill   steward"}), true},
		{action.New(action.ShellExec{Command: "kill $PPID"}), true},
		{action.New(action.ShellExec{Command: "taskkill /PID 4242 /F"}), true},
		{action.New(action.ShellExec{Command: "kill -9 17"}), false},
		{action.New(action.ShellExec{Command: "echo 4242"}), false},
		{action.New(action.UIClick{ElementID: "1:0"}), false},
	}
	for _, tc := range cases {
		_, _, got := forbidden(tc.action, host, nil)
		if got != tc.want {
			t.Fatalf("forbidden(%s) = %v, want %v", tc.action, got, tc.want)
		}
	}
}

func TestForbidden_DenyList(t *testing.T) {
	deny := []Rule{{Name: "no-ssh", Kinds: []action.Kind{action.KindShellExec}, Targets: []string{"*ssh*"}}}
	rule, _, ok := forbidden(action.New(action.ShellExec{Command: "ssh prod"}), hostIdentity{}, deny)
	if !ok || rule != "deny_list:no-ssh" {
		t.Fatalf("expected deny list match, got %q %v", rule, ok)
	}
	if _, _, ok := forbidden(action.New(action.UIClick{ElementID: "ssh"}), hostIdentity{}, deny); ok {
		t.Fatal("deny rule must not cross kinds")
	}
}

func TestRuleValidate(t *testing.T) {
	if err := (Rule{}).Validate(); err == nil {
		t.Fatal("expected error for empty rule")
	}
	if err := (Rule{Kinds: []action.Kind{"format_disk"}}).Validate(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if err := (Rule{Targets: []string{"save*"}}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
