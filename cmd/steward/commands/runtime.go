package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/audit"
	"github.com/NOVA-ALLRounder/main-sub001/internal/broker"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/executor"
	"github.com/NOVA-ALLRounder/main-sub001/internal/killswitch"
	"github.com/NOVA-ALLRounder/main-sub001/internal/metrics"
	"github.com/NOVA-ALLRounder/main-sub001/internal/planner"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
	"github.com/NOVA-ALLRounder/main-sub001/internal/provider"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

// runtimeOptions selects how the broker reaches its planner and executor.
type runtimeOptions struct {
	// Loopback runs the reference executor in-process instead of dialing
	// the configured endpoint.
	Loopback bool
	// Planner overrides the configured LLM planner.
	Planner planner.Planner
}

// brokerRuntime is every long-lived component of a broker process.
type brokerRuntime struct {
	workspace string
	kill      *killswitch.Switch
	policy    *policy.Engine
	approvals *approval.Service
	audit     *audit.Log
	metrics   *metrics.Recorder
	mux       *transport.Mux
	broker    *broker.Broker
}

func newBrokerRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*brokerRuntime, error) {
	workspace, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(workspace, "state"), 0755); err != nil {
		return nil, fmt.Errorf("create workspace state: %w", err)
	}

	rt := &brokerRuntime{
		workspace: workspace,
		kill:      killswitch.New(),
		approvals: approval.NewService(workspace),
		metrics:   metrics.NewRecorder(workspace),
	}
	rt.approvals.SetDefaultTTL(config.Seconds(cfg.Broker.ApprovalTTL, 0))
	rt.approvals.SetNotifier(func(req approval.Request) {
		fmt.Printf("Approval %s required for %s (%s): steward approval approve %s\n", req.ID, req.Action, req.Tier, req.ID)
	})
	if expired, err := rt.approvals.ExpirePending(); err != nil {
		slog.Warn("expire stale approvals failed", "error", err)
	} else if len(expired) > 0 {
		slog.Info("expired stale approval requests", "count", len(expired))
	}

	rt.policy, err = buildPolicy(cfg, rt.approvals)
	if err != nil {
		return nil, err
	}

	rt.audit, err = audit.Open(workspace, cfg.Audit.Backend)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	p := opts.Planner
	if p == nil {
		model, err := provider.NewChatModel(ctx, cfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("planner: %w", err)
		}
		p = planner.NewLLM(model)
	}

	// Responses can arrive before the broker exists; they are only
	// reported once it does.
	var current atomic.Pointer[broker.Broker]
	onReject := func(resp transport.Response, reason string) {
		if b := current.Load(); b != nil {
			b.RejectResponse(resp, reason)
		}
	}

	rt.mux, err = connectExecutor(ctx, cfg, opts.Loopback, onReject)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.broker, err = broker.New(broker.Options{
		Policy:         rt.policy,
		Planner:        p,
		Executor:       func(sessionID string) transport.Executor { return rt.mux.Session(sessionID) },
		Killer:         rt.mux,
		KillSwitch:     rt.kill,
		Approvals:      rt.approvals,
		Audit:          rt.audit,
		Metrics:        rt.metrics,
		StallThreshold: cfg.Broker.StallThreshold,
		MaxSteps:       cfg.Broker.MaxSteps,
		MaxSessions:    cfg.Broker.MaxSessions,
		ActionTimeout:  config.Seconds(cfg.Broker.ActionTimeout, 0),
		ApprovalTTL:    config.Seconds(cfg.Broker.ApprovalTTL, 0),
		PlannerTimeout: config.Seconds(cfg.Broker.PlannerTimeout, 0),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	current.Store(rt.broker)
	return rt, nil
}

func connectExecutor(ctx context.Context, cfg *config.Config, loopback bool, onReject transport.RejectFunc) (*transport.Mux, error) {
	codec, err := transport.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}
	signer := transport.NewSigner(cfg.Transport.Secret)
	if signer == nil {
		slog.Warn("transport secret not set, executor messages are unauthenticated")
	}

	if loopback {
		srv := &transport.Server{
			Signer:  signer,
			Handler: newExecutorHandler(cfg),
			// The server latches the halt and refuses further requests;
			// the process keeps serving its gateway.
			Halt: func(reason string) {
				slog.Error("in-process executor halted", "reason", reason)
			},
		}
		slog.Info("executor running in-process", "codec", codec.Name())
		return transport.Loopback(ctx, srv, codec, onReject), nil
	}

	conn, err := transport.Dial(ctx, cfg.Transport.Network, cfg.Transport.Address, codec)
	if err != nil {
		return nil, fmt.Errorf("connect executor at %s %s (start it with 'steward executor' or use --loopback): %w",
			cfg.Transport.Network, cfg.Transport.Address, err)
	}
	slog.Info("executor connected", "network", cfg.Transport.Network, "address", cfg.Transport.Address, "codec", codec.Name())
	return transport.NewMux(conn, signer, onReject), nil
}

func newExecutorHandler(cfg *config.Config) *executor.Handler {
	return executor.New(executor.Options{
		ShellTimeout: config.Seconds(cfg.Executor.ShellTimeout, 0),
		WorkDir:      strings.TrimSpace(cfg.Executor.WorkDir),
	})
}

// buildPolicy merges the configured lists with the optional policy file and
// seeds remembered decisions from the approval store.
func buildPolicy(cfg *config.Config, approvals *approval.Service) (*policy.Engine, error) {
	writeLock := cfg.Policy.WriteLock
	allow := append([]policy.Rule(nil), cfg.Policy.Allow...)
	deny := append([]policy.Rule(nil), cfg.Policy.Deny...)
	hostNames := append([]string(nil), cfg.Policy.HostProcesses...)

	if path := strings.TrimSpace(cfg.Policy.File); path != "" {
		file, err := policy.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if file.WriteLock != nil {
			writeLock = *file.WriteLock
		}
		allow = append(allow, file.Allow...)
		deny = append(deny, file.Deny...)
		hostNames = append(hostNames, file.HostProcesses...)
	}

	var remembered []approval.Record
	if approvals != nil {
		records, err := approvals.Remembered()
		if err != nil {
			slog.Warn("load remembered decisions failed", "error", err)
		}
		remembered = records
	}

	engine, err := policy.NewEngine(policy.Options{
		Unlocked:    !writeLock,
		Allow:       allow,
		Deny:        deny,
		HostNames:   hostNames,
		Remembered:  remembered,
		RememberTTL: config.Minutes(cfg.Broker.RememberTTL, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	slog.Info("policy configured",
		"write_lock", writeLock,
		"allow_rules", len(allow),
		"deny_rules", len(deny),
		"remembered", len(remembered))
	if !writeLock {
		slog.Warn("write lock is off: caution-tier actions run without approval")
	}
	return engine, nil
}

// Close stops the broker and releases every component.
func (rt *brokerRuntime) Close() {
	if rt.broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rt.broker.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("broker shutdown incomplete", "error", err)
		}
		cancel()
	}
	if rt.mux != nil {
		_ = rt.mux.Close()
	}
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			slog.Warn("close audit log failed", "error", err)
		}
	}
	if err := rt.metrics.Close(); err != nil {
		slog.Warn("flush metrics failed", "error", err)
	}
}
