package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLoadScriptYAML(t *testing.T) {
	path := writeScript(t, "plan.yaml", `
- kind: shell_exec
  shell_exec:
    command: make test
- kind: ui_find
  ui_find:
    query: Save button
`)
	p, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	ctx := context.Background()
	first, err := p.Propose(ctx, Input{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !action.Equal(first.Action, action.New(action.ShellExec{Command: "make test"})) {
		t.Fatalf("unexpected first action: %s", first.Action)
	}
	second, _ := p.Propose(ctx, Input{SessionID: "s-1"})
	if second.Action.Kind() != action.KindUIFind {
		t.Fatalf("unexpected second action: %s", second.Action)
	}
	third, _ := p.Propose(ctx, Input{SessionID: "s-1"})
	if !third.Done {
		t.Fatalf("expected done after script, got %+v", third)
	}
}

func TestLoadScriptJSON(t *testing.T) {
	path := writeScript(t, "plan.json", `[{"kind":"file_delete","file_delete":{"path":"/tmp/x"}}]`)
	p, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	got, _ := p.Propose(context.Background(), Input{SessionID: "s-1"})
	if got.Action.Kind() != action.KindFileDelete {
		t.Fatalf("unexpected action: %s", got.Action)
	}
}

func TestLoadScriptRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown.json": `[{"kind":"format_disk","format_disk":{}}]`,
		"extra.json":   `[{"kind":"shell_exec","shell_exec":{"command":"ls","sudo":true}}]`,
		"empty.yaml":   `[]`,
		"invalid.yaml": `- kind: ui_click
  ui_click:
    element_id: ""
`,
	}
	for name, body := range cases {
		if _, err := LoadScript(writeScript(t, name, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadScript(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
