package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NOVA-ALLRounder/main-sub001/internal/broker"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/gateway"
	"github.com/NOVA-ALLRounder/main-sub001/internal/killswitch"
	"github.com/NOVA-ALLRounder/main-sub001/internal/planner"
)

const shutdownTimeout = 5 * time.Second

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Steward broker",
		RunE:  runServer,
	}
	cmd.Flags().Bool("loopback", false, "Run the reference executor in-process")
	cmd.Flags().String("goal", "", "Run a single goal, print its history and exit")
	cmd.Flags().String("script", "", "Replay actions from a JSON or YAML file instead of asking the LLM planner")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loopback, _ := cmd.Flags().GetBool("loopback")
	goal, _ := cmd.Flags().GetString("goal")
	opts := runtimeOptions{Loopback: loopback}
	if script, _ := cmd.Flags().GetString("script"); script != "" {
		p, err := planner.LoadScript(script)
		if err != nil {
			return err
		}
		opts.Planner = p
	}

	rt, err := newBrokerRuntime(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	if sig, ok := killSignal(cfg.KillSwitch.Signal); ok {
		killswitch.NotifySignal(ctx, rt.kill, sig)
		slog.Info("kill switch armed", "signal", sig.String())
	}

	if goal != "" {
		return runGoal(ctx, rt.broker, goal)
	}

	g, gctx := errgroup.WithContext(ctx)

	var gatewayServer *gateway.Server
	if cfg.Gateway.Enabled {
		gatewayServer = gateway.New(cfg.Gateway, gateway.Deps{
			Sessions:   rt.broker,
			Approvals:  rt.approvals,
			Policy:     rt.policy,
			KillSwitch: rt.kill,
		})
		g.Go(func() error {
			if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-rt.mux.Done():
			if gctx.Err() == nil {
				slog.Error("executor connection lost, in-flight actions will fail", "error", rt.mux.Err())
			}
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		slog.Info("shutting down")
		if gatewayServer != nil {
			if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("gateway shutdown failed", "error", err)
			}
		}
		return nil
	})

	if gatewayServer != nil {
		fmt.Printf("Steward broker running. Gateway: http://%s\nPress Ctrl+C to stop.\n", gatewayServer.Addr())
	} else {
		fmt.Println("Steward broker running without gateway. Press Ctrl+C to stop.")
	}
	return g.Wait()
}

// runGoal drives one session to termination and prints its history.
func runGoal(ctx context.Context, b *broker.Broker, goal string) error {
	id, err := b.Submit(ctx, goal)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s started.\n", id)

	info, err := b.Wait(ctx, id)
	if err != nil {
		_ = b.Cancel(id)
		info, _ = b.Wait(context.Background(), id)
	}
	history, herr := b.History(id)
	if herr == nil {
		printHistory(id, history)
	}
	printSessionInfo(info)
	if info.Reason != broker.ReasonCompleted {
		return fmt.Errorf("session %s ended: %s", id, info.Reason)
	}
	return nil
}
