package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/audit"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
)

func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit [session-id]",
		Short: "Show the audit trail, optionally for one session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAudit,
	}
	cmd.Flags().Int("limit", 50, "Show at most the last N events (0 for all)")
	cmd.Flags().String("type", "", "Only show events of one type")
	return cmd
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	log, err := audit.Open(workspacePath, cfg.Audit.Backend)
	if err != nil {
		return err
	}
	defer log.Close()

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	}
	events, err := log.Query(sessionID)
	if err != nil {
		return err
	}

	limit, typ := 50, ""
	if cmd != nil {
		limit, _ = cmd.Flags().GetInt("limit")
		typ, _ = cmd.Flags().GetString("type")
	}
	events = filterEvents(events, typ, limit)
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}

	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Time.Local().Format("01-02 15:04:05"),
			shortID(ev.SessionID),
			ev.Type,
			ev.State,
			ev.Tier,
			ev.Action,
			firstNonEmpty(ev.Outcome, ev.Detail),
		})
	}
	title := "Audit Trail"
	if sessionID != "" {
		title += " " + sessionID
	}
	renderTable(title, []column{
		{"TIME", 14}, {"SESSION", 8}, {"TYPE", 18}, {"STATE", 11}, {"TIER", 8}, {"ACTION", 32}, {"OUTCOME", 36},
	}, rows, 3, 4)
	return nil
}

func filterEvents(events []audit.Event, typ string, limit int) []audit.Event {
	if typ != "" {
		filtered := events[:0:0]
		for _, ev := range events {
			if ev.Type == typ {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
