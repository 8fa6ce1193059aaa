package action

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func sampleActions() []Action {
	return []Action{
		New(UISnapshot{}),
		New(UISnapshot{Scope: "window:Finder"}),
		New(UIFind{Query: "Save button"}),
		New(UIClick{ElementID: "3:1", DoubleClick: true}),
		New(KeyboardType{Text: "hello", Submit: true}),
		New(ShellExec{Command: "ls -la", Cwd: "/tmp"}),
		New(FileDelete{Path: "/tmp/out.txt"}),
		New(ProcessKill{PID: 42, Name: "python"}),
		New(AppQuit{App: "Safari"}),
		New(Terminate{}),
		New(KillSwitchDisable{}),
	}
}

func TestActionJSONRoundTrip(t *testing.T) {
	for _, a := range sampleActions() {
		data, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("marshal %s: %v", a, err)
		}
		var got Action
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s (%s): %v", a, data, err)
		}
		if !Equal(a, got) {
			t.Fatalf("round trip mismatch: want %s, got %s", a, got)
		}
	}
}

func TestActionCBORRoundTrip(t *testing.T) {
	for _, a := range sampleActions() {
		data, err := a.MarshalCBOR()
		if err != nil {
			t.Fatalf("marshal %s: %v", a, err)
		}
		var got Action
		if err := got.UnmarshalCBOR(data); err != nil {
			t.Fatalf("unmarshal %s: %v", a, err)
		}
		if !Equal(a, got) {
			t.Fatalf("round trip mismatch: want %s, got %s", a, got)
		}
	}
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"format_disk","format_disk":{"drive":"c"}}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	// The unknown payload field is rejected before the kind is looked at.
	if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = Parse([]byte(`{"kind":"format_disk"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestParseRejectsMismatchedPayload(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"ui_click","shell_exec":{"command":"ls"}}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseRejectsMultiplePayloads(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"ui_click","ui_click":{"element_id":"1:1"},"shell_exec":{"command":"ls"}}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseRejectsUnknownPayloadField(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"shell_exec","shell_exec":{"command":"ls","sudo":true}}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseRejectsMissingPayload(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"shell_exec"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseAcceptsBareTerminate(t *testing.T) {
	a, err := Parse([]byte(` {"kind":"terminate"} `))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Kind() != KindTerminate {
		t.Fatalf("expected terminate, got %s", a.Kind())
	}
}

func TestMarshalZeroActionFails(t *testing.T) {
	if _, err := json.Marshal(Action{}); err == nil {
		t.Fatal("expected error marshaling empty action")
	}
}

func TestSignatureIncludesKindAndTarget(t *testing.T) {
	click := New(UIClick{ElementID: "rm"})
	shell := New(ShellExec{Command: "rm"})
	if click.Signature() == shell.Signature() {
		t.Fatalf("signatures must differ across kinds: %s", click.Signature())
	}
	if SignatureKind(click.Signature()) != KindUIClick {
		t.Fatalf("unexpected signature kind: %s", click.Signature())
	}

	a := New(ShellExec{Command: "ls   -la"})
	b := New(ShellExec{Command: "ls\t-la"})
	if a.Signature() != b.Signature() {
		t.Fatalf("whitespace variants should share a signature: %s vs %s", a.Signature(), b.Signature())
	}
	c := New(ShellExec{Command: "ls -l"})
	if a.Signature() == c.Signature() {
		t.Fatal("different commands must not share a signature")
	}
	if !strings.HasPrefix(a.Signature(), "shell_exec:") {
		t.Fatalf("unexpected signature %q", a.Signature())
	}
}

func TestSignatureEmptyForZeroAction(t *testing.T) {
	if sig := (Action{}).Signature(); sig != "" {
		t.Fatalf("expected empty signature, got %q", sig)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		action Action
		ok     bool
	}{
		{New(UISnapshot{}), true},
		{New(UIFind{Query: " "}), false},
		{New(UIClick{}), false},
		{New(KeyboardType{Submit: true}), true},
		{New(KeyboardType{}), false},
		{New(ShellExec{Command: "\t"}), false},
		{New(FileDelete{Path: "a.txt"}), true},
		{New(ProcessKill{PID: -1}), false},
		{New(ProcessKill{Name: "node"}), true},
		{New(AppQuit{}), false},
		{Action{}, false},
	}
	for _, tc := range cases {
		err := tc.action.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.action, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.action, err)
		}
	}
}

func TestNormalizeCommand(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"   ":               "",
		"ls  \t -la":        "ls -la",
		"\tsudo   rm -rf /": "sudo rm -rf /",
	}
	for in, want := range cases {
		if got := NormalizeCommand(in); got != want {
			t.Fatalf("NormalizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStringTruncatesLongTargets(t *testing.T) {
	a := New(KeyboardType{Text: strings.Repeat("x", 200)})
	if s := a.String(); len(s) > 100 || !strings.HasSuffix(s, "...)") {
		t.Fatalf("unexpected String(): %q", s)
	}
}
