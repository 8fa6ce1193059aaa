package action

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind is the wire tag of an action variant.
type Kind string

const (
	KindUISnapshot        Kind = "ui_snapshot"
	KindUIFind            Kind = "ui_find"
	KindUIClick           Kind = "ui_click"
	KindKeyboardType      Kind = "keyboard_type"
	KindShellExec         Kind = "shell_exec"
	KindFileDelete        Kind = "file_delete"
	KindProcessKill       Kind = "process_kill"
	KindAppQuit           Kind = "app_quit"
	KindTerminate         Kind = "terminate"
	KindKillSwitchDisable Kind = "kill_switch_disable"
)

// Kinds lists every known action kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindUISnapshot,
		KindUIFind,
		KindUIClick,
		KindKeyboardType,
		KindShellExec,
		KindFileDelete,
		KindProcessKill,
		KindAppQuit,
		KindTerminate,
		KindKillSwitchDisable,
	}
}

// ErrInvalid is returned by Validate for structurally incomplete actions.
var ErrInvalid = errors.New("action: invalid")

// Payload is implemented only by the payload types in this package, which
// keeps Action a closed variant.
type Payload interface {
	Kind() Kind
	target() string
	validate() error
}

// UISnapshot captures the current UI tree (or part of it).
type UISnapshot struct {
	Scope string `json:"scope,omitempty" cbor:"scope,omitempty"`
}

// UIFind searches the UI tree for elements matching Query.
type UIFind struct {
	Query string `json:"query" cbor:"query"`
}

// UIClick clicks a previously found element.
type UIClick struct {
	ElementID   string `json:"element_id" cbor:"element_id"`
	DoubleClick bool   `json:"double_click,omitempty" cbor:"double_click,omitempty"`
}

// KeyboardType types text into the focused element.
type KeyboardType struct {
	Text   string `json:"text" cbor:"text"`
	Submit bool   `json:"submit,omitempty" cbor:"submit,omitempty"`
}

// ShellExec runs a shell command.
type ShellExec struct {
	Command string `json:"command" cbor:"command"`
	Cwd     string `json:"cwd,omitempty" cbor:"cwd,omitempty"`
}

// FileDelete removes a file.
type FileDelete struct {
	Path string `json:"path" cbor:"path"`
}

// ProcessKill terminates a process by PID or name.
type ProcessKill struct {
	PID  int    `json:"pid,omitempty" cbor:"pid,omitempty"`
	Name string `json:"name,omitempty" cbor:"name,omitempty"`
}

// AppQuit asks an application to quit.
type AppQuit struct {
	App string `json:"app" cbor:"app"`
}

// Terminate requests termination of the host process.
type Terminate struct{}

// KillSwitchDisable requests that the kill switch be disarmed.
type KillSwitchDisable struct{}

func (UISnapshot) Kind() Kind        { return KindUISnapshot }
func (UIFind) Kind() Kind            { return KindUIFind }
func (UIClick) Kind() Kind           { return KindUIClick }
func (KeyboardType) Kind() Kind      { return KindKeyboardType }
func (ShellExec) Kind() Kind         { return KindShellExec }
func (FileDelete) Kind() Kind        { return KindFileDelete }
func (ProcessKill) Kind() Kind       { return KindProcessKill }
func (AppQuit) Kind() Kind           { return KindAppQuit }
func (Terminate) Kind() Kind         { return KindTerminate }
func (KillSwitchDisable) Kind() Kind { return KindKillSwitchDisable }

func (p UISnapshot) target() string { return strings.TrimSpace(p.Scope) }
func (p UIFind) target() string     { return strings.TrimSpace(p.Query) }
func (p UIClick) target() string {
	if p.DoubleClick {
		return strings.TrimSpace(p.ElementID) + "#double"
	}
	return strings.TrimSpace(p.ElementID)
}
func (p KeyboardType) target() string {
	if p.Submit {
		return p.Text + "\n"
	}
	return p.Text
}
func (p ShellExec) target() string {
	command := NormalizeCommand(p.Command)
	if cwd := strings.TrimSpace(p.Cwd); cwd != "" {
		return filepath.Clean(cwd) + "$ " + command
	}
	return command
}
func (p FileDelete) target() string {
	if strings.TrimSpace(p.Path) == "" {
		return ""
	}
	return filepath.Clean(strings.TrimSpace(p.Path))
}
func (p ProcessKill) target() string {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	if p.PID > 0 {
		return strconv.Itoa(p.PID) + "/" + name
	}
	return name
}
func (p AppQuit) target() string          { return strings.ToLower(strings.TrimSpace(p.App)) }
func (Terminate) target() string          { return "" }
func (KillSwitchDisable) target() string  { return "" }
func (UISnapshot) validate() error        { return nil }
func (Terminate) validate() error         { return nil }
func (KillSwitchDisable) validate() error { return nil }

func (p UIFind) validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("%w: ui_find query is required", ErrInvalid)
	}
	return nil
}

func (p UIClick) validate() error {
	if strings.TrimSpace(p.ElementID) == "" {
		return fmt.Errorf("%w: ui_click element_id is required", ErrInvalid)
	}
	return nil
}

func (p KeyboardType) validate() error {
	if p.Text == "" && !p.Submit {
		return fmt.Errorf("%w: keyboard_type needs text or submit", ErrInvalid)
	}
	return nil
}

func (p ShellExec) validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("%w: shell_exec command is required", ErrInvalid)
	}
	return nil
}

func (p FileDelete) validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("%w: file_delete path is required", ErrInvalid)
	}
	return nil
}

func (p ProcessKill) validate() error {
	if p.PID < 0 {
		return fmt.Errorf("%w: process_kill pid must not be negative", ErrInvalid)
	}
	if p.PID == 0 && strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: process_kill needs pid or name", ErrInvalid)
	}
	return nil
}

func (p AppQuit) validate() error {
	if strings.TrimSpace(p.App) == "" {
		return fmt.Errorf("%w: app_quit app is required", ErrInvalid)
	}
	return nil
}

// Action is an immutable request to observe or mutate OS/UI state. Holding an
// Action grants nothing; only a policy authorization lets one reach an
// executor.
type Action struct {
	payload Payload
}

// New wraps a payload into an Action.
func New(p Payload) Action {
	return Action{payload: p}
}

// Kind returns the variant tag, or "" for the zero Action.
func (a Action) Kind() Kind {
	if a.payload == nil {
		return ""
	}
	return a.payload.Kind()
}

// Payload returns the variant value. Payloads are plain values, so callers
// get a copy.
func (a Action) Payload() Payload {
	return a.payload
}

// IsZero reports whether the action carries no payload.
func (a Action) IsZero() bool {
	return a.payload == nil
}

// Target returns the normalized target the action operates on.
func (a Action) Target() string {
	if a.payload == nil {
		return ""
	}
	return a.payload.target()
}

// Validate reports structural problems with the payload.
func (a Action) Validate() error {
	if a.payload == nil {
		return fmt.Errorf("%w: empty action", ErrInvalid)
	}
	return a.payload.validate()
}

// String renders a short human readable description.
func (a Action) String() string {
	if a.payload == nil {
		return "<empty action>"
	}
	target := a.Target()
	if target == "" {
		return string(a.Kind())
	}
	if len(target) > 80 {
		target = target[:77] + "..."
	}
	return fmt.Sprintf("%s(%s)", a.Kind(), target)
}

// Equal reports whether two actions carry the same variant and payload.
func Equal(a, b Action) bool {
	if a.payload == nil || b.payload == nil {
		return a.payload == nil && b.payload == nil
	}
	return a.payload == b.payload
}

// NormalizeCommand collapses runs of spaces and tabs into one space and trims
// the ends.
func NormalizeCommand(command string) string {
	var b strings.Builder
	b.Grow(len(command))
	space := false
	for _, r := range command {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
