package commands

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/audit"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/planner"
)

func TestRunGoalLoopback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executor runs commands through sh")
	}
	cfg := withHome(t, func(c *config.Config) { c.Audit.Backend = "jsonl" })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := newBrokerRuntime(ctx, cfg, runtimeOptions{
		Loopback: true,
		Planner:  planner.NewScripted(action.New(action.ShellExec{Command: "echo hello"})),
	})
	if err != nil {
		t.Fatalf("newBrokerRuntime: %v", err)
	}

	out := captureOutput(t, func() {
		if err := runGoal(ctx, rt.broker, "say hello"); err != nil {
			t.Errorf("runGoal: %v", err)
		}
	})
	rt.Close()

	for _, want := range []string{"started", "acting", "verifying", "Terminated: completed after 1 steps"} {
		if !strings.Contains(out, want) {
			t.Fatalf("run output missing %q:\n%s", want, out)
		}
	}

	log, err := audit.Open(cfg.WorkspacePath(), "jsonl")
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer log.Close()
	events, err := log.Query("")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var dispatched, responded bool
	for _, ev := range events {
		switch ev.Type {
		case audit.TypeDispatch:
			dispatched = true
		case audit.TypeResponse:
			responded = ev.Outcome == "success"
		}
	}
	if !dispatched || !responded {
		t.Fatalf("expected dispatch and successful response in audit trail: %+v", events)
	}
}

func TestRunGoalReportsTermination(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executor runs commands through sh")
	}
	cfg := withHome(t, func(c *config.Config) {
		c.Audit.Backend = "jsonl"
		c.Broker.StallThreshold = 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := newBrokerRuntime(ctx, cfg, runtimeOptions{
		Loopback: true,
		Planner:  planner.NewScripted(action.New(action.ShellExec{Command: "exit 3"})),
	})
	if err != nil {
		t.Fatalf("newBrokerRuntime: %v", err)
	}
	defer rt.Close()

	var runErr error
	_ = captureOutput(t, func() {
		runErr = runGoal(ctx, rt.broker, "fail fast")
	})
	if runErr == nil || !strings.Contains(runErr.Error(), "no_progress") {
		t.Fatalf("expected no_progress termination, got %v", runErr)
	}
}
