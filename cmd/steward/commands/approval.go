package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
)

func NewApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Manage approval requests",
	}

	cmd.AddCommand(
		newApprovalListCmd(),
		newApprovalApproveCmd(),
		newApprovalRejectCmd(),
	)

	return cmd
}

func newApprovalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE:  runApprovalList,
	}
	cmd.Flags().Bool("all", false, "Include resolved and expired requests")
	cmd.Flags().String("session", "", "Only show requests of one session")
	return cmd
}

func newApprovalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an approval request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalApprove,
	}
	cmd.Flags().String("by", "", "Decision maker")
	cmd.Flags().String("note", "", "Decision note")
	cmd.Flags().Bool("always", false, "Remember the decision for this action signature")
	cmd.Flags().String("scope", string(approval.ScopeGlobal), "Scope of a remembered decision (global|session)")
	cmd.Flags().Duration("remember-for", 0, "How long a remembered decision lasts (default from config)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newApprovalRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an approval request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalReject,
	}
	cmd.Flags().String("by", "", "Decision maker")
	cmd.Flags().String("note", "", "Decision note")
	cmd.Flags().String("scope", string(approval.ScopeGlobal), "Scope of the remembered denial (global|session)")
	cmd.Flags().Duration("remember-for", 0, "How long the denial is remembered (default from config)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	svc, err := loadApprovalService()
	if err != nil {
		return err
	}

	query := approval.Query{Status: approval.StatusPending}
	if cmd != nil {
		if all, _ := cmd.Flags().GetBool("all"); all {
			query.Status = ""
		}
		query.SessionID, _ = cmd.Flags().GetString("session")
	}
	requests, err := svc.List(query)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	rows := make([][]string, 0, len(requests))
	for _, req := range requests {
		rows = append(rows, []string{
			req.ID,
			req.Tier.String(),
			string(req.Status),
			req.SessionID,
			req.Action.String(),
			req.ExpiresAt.Local().Format("15:04:05"),
		})
	}
	renderTable("Approval Requests", []column{
		{"ID", 6}, {"TIER", 9}, {"STATUS", 9}, {"SESSION", 36}, {"ACTION", 40}, {"EXPIRES", 8},
	}, rows, 1, 2)
	return nil
}

func runApprovalApprove(cmd *cobra.Command, args []string) error {
	return runApprovalDecision(cmd, args[0], true)
}

func runApprovalReject(cmd *cobra.Command, args []string) error {
	return runApprovalDecision(cmd, args[0], false)
}

func runApprovalDecision(cmd *cobra.Command, id string, approve bool) error {
	svc, err := loadApprovalService()
	if err != nil {
		return err
	}

	by, _ := cmd.Flags().GetString("by")
	note, _ := cmd.Flags().GetString("note")
	var always bool
	if approve {
		always, _ = cmd.Flags().GetBool("always")
	}
	scope, _ := cmd.Flags().GetString("scope")
	rememberFor, _ := cmd.Flags().GetDuration("remember-for")
	if strings.TrimSpace(by) == "" {
		return fmt.Errorf("--by is required")
	}
	input, err := decisionInput(approve, always, scope, by, note, rememberFor)
	if err != nil {
		return err
	}

	if _, _, err := svc.Resolve(id, input); err != nil {
		return err
	}
	verb := "approved"
	if !approve {
		verb = "rejected"
	}
	if always || !approve {
		verb += " and remembered"
	}
	fmt.Printf("Approval %s %s.\n", id, verb)
	return nil
}

// decisionInput builds the record input. Denials are always remembered;
// approvals only with --always.
func decisionInput(approve, always bool, scope, by, note string, rememberFor time.Duration) (approval.DecisionInput, error) {
	s := approval.Scope(strings.TrimSpace(scope))
	if s != approval.ScopeGlobal && s != approval.ScopeSession {
		return approval.DecisionInput{}, fmt.Errorf("invalid --scope %q (global|session)", scope)
	}
	input := approval.DecisionInput{
		Decision:    approval.DecisionAllowOnce,
		Scope:       s,
		DecidedBy:   strings.TrimSpace(by),
		Note:        strings.TrimSpace(note),
		RememberFor: rememberFor,
	}
	switch {
	case approve && always:
		input.Decision = approval.DecisionAllowAlways
	case !approve:
		input.Decision = approval.DecisionDeny
	}
	return input, nil
}

func loadApprovalService() (*approval.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}
	return approval.NewService(workspacePath), nil
}
