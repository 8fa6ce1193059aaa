package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/killswitch"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

func NewExecutorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run the reference executor that performs authorized actions",
		RunE:  runExecutor,
	}
	cmd.Flags().String("network", "", "Override transport network (unix|tcp)")
	cmd.Flags().String("address", "", "Override transport address")
	return cmd
}

func runExecutor(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	network, address := cfg.Transport.Network, cfg.Transport.Address
	if v, _ := cmd.Flags().GetString("network"); v != "" {
		network = v
	}
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		address = v
	}

	codec, err := transport.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return err
	}
	signer, err := executorSigner(cfg.Transport.Secret)
	if err != nil {
		return err
	}

	halt := killswitch.Halter(nil)
	sw := killswitch.New()
	sw.OnEngage(halt)
	if sig, ok := killSignal(cfg.KillSwitch.Signal); ok {
		killswitch.NotifySignal(ctx, sw, sig)
	}

	ln, err := transport.Listen(network, address)
	if err != nil {
		return err
	}
	srv := &transport.Server{
		Codec:   codec,
		Signer:  signer,
		Handler: newExecutorHandler(cfg),
		Halt:    halt,
	}
	slog.Info("executor starting", "network", network, "address", address, "codec", codec.Name())
	fmt.Printf("Steward executor listening on %s %s\n", network, address)
	return srv.Serve(ctx, ln)
}

// executorSigner refuses to run a standalone executor without a shared
// secret. Anything that can reach its socket could otherwise drive it.
func executorSigner(secret string) (*transport.Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("transport.secret is required to run an executor; set it in config or STEWARD_TRANSPORT_SECRET")
	}
	return transport.NewSigner(secret), nil
}
