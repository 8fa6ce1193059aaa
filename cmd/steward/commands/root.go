package commands

import (
	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steward",
		Short: "Steward - trusted action broker",
		Long: `Steward sits between a planner and the hands that act on the host.
Every proposed action is classified, checked against policy and, when
needed, approved by a human before an executor may perform it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, cmd.Name())
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name())
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewExecutorCmd(),
		NewSessionCmd(),
		NewApprovalCmd(),
		NewPolicyCmd(),
		NewKillSwitchCmd(),
		NewAuditCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}
