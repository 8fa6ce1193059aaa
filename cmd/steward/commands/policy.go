package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and change the policy write lock",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the write lock, rule lists and remembered decisions",
			RunE:  runPolicyStatus,
		},
		&cobra.Command{
			Use:   "lock",
			Short: "Engage the write lock",
			RunE:  func(cmd *cobra.Command, args []string) error { return runPolicySetLock(true) },
		},
		&cobra.Command{
			Use:   "unlock",
			Short: "Release the write lock (caution-tier actions run without approval)",
			RunE:  func(cmd *cobra.Command, args []string) error { return runPolicySetLock(false) },
		},
		&cobra.Command{
			Use:   "rules",
			Short: "List the classifier rules per tier",
			RunE:  runPolicyRules,
		},
	)

	return cmd
}

func runPolicyStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var out struct {
		Policy policy.State `json:"policy"`
	}
	live := true
	if err := newGatewayClient(cfg).do(context.Background(), http.MethodGet, "/policy", nil, &out); err != nil {
		if !errors.Is(err, errGatewayUnavailable) {
			return err
		}
		live = false
		out.Policy = policy.State{WriteLock: cfg.Policy.WriteLock, Allow: cfg.Policy.Allow, Deny: cfg.Policy.Deny}
	}
	printPolicyState(out.Policy, live)
	return nil
}

func printPolicyState(state policy.State, live bool) {
	fmt.Println(headerStyle.Render("Policy"))
	source := "running broker"
	if !live {
		source = "config defaults (broker not running)"
	}
	fmt.Printf("  Source:     %s\n", source)
	lock := colored("allow") + " (off)"
	if state.WriteLock {
		lock = colored("require_approval") + " (on)"
	}
	fmt.Printf("  Write lock: %s\n", lock)
	fmt.Printf("  Allow:      %s\n", ruleList(state.Allow))
	fmt.Printf("  Deny:       %s\n", ruleList(state.Deny))

	if len(state.Remembered) == 0 {
		fmt.Println("  Remembered: none")
		fmt.Println()
		return
	}
	fmt.Println()
	rows := make([][]string, 0, len(state.Remembered))
	for _, r := range state.Remembered {
		expires := "never"
		if !r.ExpiresAt.IsZero() {
			expires = r.ExpiresAt.Local().Format("2006-01-02 15:04")
		}
		session := r.SessionID
		if session == "" {
			session = "*"
		}
		rows = append(rows, []string{string(r.Decision), string(r.Kind), r.Signature, session, r.RecordID, expires})
	}
	renderTable("Remembered Decisions", []column{
		{"DECISION", 12}, {"KIND", 14}, {"SIGNATURE", 32}, {"SESSION", 12}, {"RECORD", 8}, {"EXPIRES", 16},
	}, rows, 0)
}

func ruleList(rules []policy.Rule) string {
	if len(rules) == 0 {
		return "none"
	}
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		name := r.Name
		if name == "" {
			name = strings.Join(r.Targets, ",")
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func runPolicySetLock(locked bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path := "/policy/unlock"
	if locked {
		path = "/policy/lock"
	}
	err = newGatewayClient(cfg).do(context.Background(), http.MethodPost, path, nil, nil)
	switch {
	case err == nil:
		fmt.Printf("Write lock %s on the running broker.\n", lockWord(locked))
		return nil
	case !errors.Is(err, errGatewayUnavailable):
		return err
	}

	cfg.Policy.WriteLock = locked
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Broker not running; write lock default %s in %s.\n", lockWord(locked), config.ConfigPath())
	return nil
}

func lockWord(locked bool) string {
	if locked {
		return "engaged"
	}
	return "released"
}

func runPolicyRules(cmd *cobra.Command, args []string) error {
	names := classifier.RuleNames()
	for _, tier := range []classifier.Tier{classifier.Critical, classifier.Caution} {
		fmt.Printf("%s: %s\n", colored(tier.String()), strings.Join(names[tier], ", "))
	}
	fmt.Printf("%s: everything else\n", colored(classifier.Safe.String()))
	return nil
}
