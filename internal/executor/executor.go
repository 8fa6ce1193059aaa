// Package executor is the reference "hands" process: it performs actions
// that arrive over an authenticated transport connection.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/handle"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

const (
	defaultShellTimeout = 60 * time.Second
	defaultMaxOutput    = 64 * 1024
)

// ErrRefused is returned for actions an executor never performs, whatever
// the broker says.
var ErrRefused = errors.New("executor refuses action")

// Options configures a Handler.
type Options struct {
	ShellTimeout time.Duration
	// WorkDir is used for shell commands without a cwd.
	WorkDir   string
	UI        UI
	MaxOutput int
}

// ShellOutput is the data payload of a shell_exec response.
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// FindOutput is the data payload of a ui_find response.
type FindOutput struct {
	Elements []string `json:"elements"`
}

// Handler performs actions one at a time; the executor is the serialization
// point for actions touching the shared OS.
type Handler struct {
	opts     Options
	elements *handle.Arena[Element]
	pid      int

	mu sync.Mutex
}

// New returns a Handler with defaults applied.
func New(opts Options) *Handler {
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = defaultShellTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	if opts.UI == nil {
		opts.UI = Unsupported{}
	}
	return &Handler{
		opts:     opts,
		elements: handle.NewArena[Element](),
		pid:      os.Getpid(),
	}
}

// Handle implements transport.Handler.
func (h *Handler) Handle(ctx context.Context, req transport.Request) transport.Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := h.perform(ctx, req.Action)
	if err != nil {
		slog.Warn("executor action failed",
			"correlation_id", req.CorrelationID,
			"session_id", req.SessionID,
			"kind", string(req.Action.Kind()),
			"error", err)
		return transport.Response{CorrelationID: req.CorrelationID, Status: transport.StatusFail, Data: data, Error: err.Error()}
	}
	slog.Info("executor action performed",
		"correlation_id", req.CorrelationID,
		"session_id", req.SessionID,
		"kind", string(req.Action.Kind()))
	return transport.Response{CorrelationID: req.CorrelationID, Status: transport.StatusSuccess, Data: data}
}

func (h *Handler) perform(ctx context.Context, a action.Action) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	switch p := a.Payload().(type) {
	case action.Terminate, action.KillSwitchDisable:
		return "", fmt.Errorf("%w: %s", ErrRefused, a.Kind())
	case action.UISnapshot:
		return h.opts.UI.Snapshot(ctx, p.Scope)
	case action.UIFind:
		return h.find(ctx, p.Query)
	case action.UIClick:
		el, err := h.elements.Lookup(p.ElementID)
		if err != nil {
			return "", err
		}
		return "", h.opts.UI.Click(ctx, el, p.DoubleClick)
	case action.KeyboardType:
		return "", h.opts.UI.Type(ctx, p.Text, p.Submit)
	case action.AppQuit:
		return "", h.opts.UI.Quit(ctx, p.App)
	case action.ShellExec:
		return h.shell(ctx, p)
	case action.FileDelete:
		return "", deleteFile(p.Path)
	case action.ProcessKill:
		return "", h.kill(ctx, p)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrRefused, a.Kind())
	}
}

func (h *Handler) find(ctx context.Context, query string) (string, error) {
	found, err := h.opts.UI.Find(ctx, query)
	if err != nil {
		return "", err
	}
	// Each snapshot generation invalidates the previous element handles.
	h.elements.Clear()
	out := FindOutput{Elements: make([]string, 0, len(found))}
	for _, el := range found {
		out.Elements = append(out.Elements, h.elements.Insert(el).String())
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (h *Handler) shell(ctx context.Context, p action.ShellExec) (string, error) {
	workDir := strings.TrimSpace(p.Cwd)
	if workDir == "" {
		workDir = h.opts.WorkDir
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, h.opts.ShellTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(timeoutCtx, "cmd", "/C", p.Command)
	} else {
		cmd = exec.CommandContext(timeoutCtx, "sh", "-c", p.Command)
	}
	if workDir != "" {
		cmd.Dir = workDir
	}
	// Children holding the pipes open must not outlive the timeout by much.
	cmd.WaitDelay = time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := ShellOutput{
		Stdout: truncate(stdout.String(), h.opts.MaxOutput),
		Stderr: truncate(stderr.String(), h.opts.MaxOutput),
	}
	if err := ctx.Err(); err != nil {
		return encodeShell(out), fmt.Errorf("command cancelled: %w", err)
	}
	if timeoutCtx.Err() != nil {
		// Killed on timeout: the outcome on the host is unknown.
		return encodeShell(out), fmt.Errorf("command timed out after %s", h.opts.ShellTimeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", runErr
		}
		out.ExitCode = exitErr.ExitCode()
	}
	if out.ExitCode != 0 {
		return encodeShell(out), fmt.Errorf("command exited with status %d", out.ExitCode)
	}
	return encodeShell(out), nil
}

func encodeShell(out ShellOutput) string {
	raw, _ := json.Marshal(out)
	return string(raw)
}

func deleteFile(path string) error {
	path = filepath.Clean(strings.TrimSpace(path))
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return os.Remove(path)
}

func (h *Handler) kill(ctx context.Context, p action.ProcessKill) error {
	if p.PID > 0 {
		if p.PID == h.pid {
			return fmt.Errorf("%w: pid %d is this executor", ErrRefused, p.PID)
		}
		proc, err := os.FindProcess(p.PID)
		if err != nil {
			return err
		}
		return proc.Kill()
	}

	name := strings.TrimSpace(p.Name)
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "taskkill", "/IM", name, "/F")
	} else {
		cmd = exec.CommandContext(ctx, "pkill", "-x", name)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("kill %s: %w: %s", strconv.Quote(name), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
