package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/metrics"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Steward configuration and broker metrics",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	fmt.Println(headerStyle.Render("Steward Status"))

	fmt.Println(sectionStyle.Render("Config"))
	fmt.Printf("  Path:   %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found (run 'steward init')")
	}

	fmt.Println(sectionStyle.Render("\nWorkspace"))
	fmt.Printf("  Path:   %s\n", workspacePath)
	if _, err := os.Stat(workspacePath); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found")
	}
	workspaceMode := strings.TrimSpace(cfg.Broker.WorkspaceMode)
	if workspaceMode == "" {
		workspaceMode = "default"
	}
	fmt.Printf("  Mode:   %s\n", workspaceMode)

	fmt.Println(sectionStyle.Render("\nBroker"))
	fmt.Printf("  Max steps: %d, stall threshold: %d, max sessions: %d\n",
		cfg.Broker.MaxSteps, cfg.Broker.StallThreshold, cfg.Broker.MaxSessions)
	fmt.Printf("  Action timeout: %ds, approval TTL: %ds\n", cfg.Broker.ActionTimeout, cfg.Broker.ApprovalTTL)

	fmt.Println(sectionStyle.Render("\nPolicy"))
	lock := "off"
	if cfg.Policy.WriteLock {
		lock = "on"
	}
	fmt.Printf("  Write lock default: %s\n", lock)
	if cfg.Policy.File != "" {
		fmt.Printf("  Policy file: %s\n", cfg.Policy.File)
	}
	fmt.Printf("  Rules: %d allow, %d deny\n", len(cfg.Policy.Allow), len(cfg.Policy.Deny))
	svc := approval.NewService(workspacePath)
	if pending, err := svc.List(approval.Query{Status: approval.StatusPending}); err == nil {
		fmt.Printf("  Pending approvals: %d\n", len(pending))
	}

	fmt.Println(sectionStyle.Render("\nTransport"))
	fmt.Printf("  Endpoint: %s %s (%s)\n", cfg.Transport.Network, cfg.Transport.Address, cfg.Transport.Codec)
	if cfg.Transport.Secret != "" {
		fmt.Println("  Auth:     shared secret configured")
	} else {
		fmt.Println("  Auth:     no secret (unauthenticated)")
	}
	fmt.Printf("  Audit:    %s\n", cfg.Audit.Backend)

	fmt.Println(sectionStyle.Render("\nPlanner"))
	fmt.Printf("  Model: %s\n", cfg.Planner.Model)
	providers := map[string]string{
		"OpenRouter": cfg.Providers.OpenRouter.APIKey,
		"Claude":     cfg.Providers.Claude.APIKey,
		"OpenAI":     cfg.Providers.OpenAI.APIKey,
		"DeepSeek":   cfg.Providers.DeepSeek.APIKey,
		"Ollama":     cfg.Providers.Ollama.BaseURL,
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := "Not configured"
		if providers[name] != "" {
			status = "Configured"
		}
		fmt.Printf("  %s: %s\n", name, status)
	}

	fmt.Println(sectionStyle.Render("\nGateway"))
	if cfg.Gateway.Enabled {
		fmt.Printf("  Address: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	} else {
		fmt.Println("  Disabled")
	}
	if cfg.Gateway.Token != "" {
		fmt.Println("  Auth:    token configured")
	} else {
		fmt.Println("  Auth:    no token (open)")
	}
	fmt.Printf("  Kill switch signal: %s\n", cfg.KillSwitch.Signal)

	fmt.Println(sectionStyle.Render("\nBroker Metrics"))
	snapshot, err := metrics.ReadSnapshot(workspacePath)
	if err != nil {
		fmt.Printf("  unavailable: %v\n", err)
		return nil
	}
	printMetrics(snapshot)
	return nil
}

func printMetrics(s metrics.Snapshot) {
	if !s.HasData() {
		fmt.Println("  no broker data yet")
		return
	}
	d := s.Dispatch
	fmt.Printf("  Updated: %s\n", s.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("  Dispatched: %d (errors %.1f%%, timeouts %.1f%%, rejected responses %d)\n",
		d.Total, d.ErrorRatio()*100, d.TimeoutRatio()*100, d.Rejected)
	fmt.Printf("  Latency: avg %.0fms, p95~ %dms, max %dms\n", d.AvgLatencyMs(), d.P95ProxyLatencyMs, d.MaxLatencyMs)
	v := s.Verdicts
	fmt.Printf("  Verdicts: %s %d, %s %d, %s %d (approved %d, rejected %d)\n",
		colored("allow"), v.Allow, colored("deny"), v.Deny, colored("require_approval"), v.RequireApproval, v.Approved, v.Rejected)

	reasons := make([]string, 0, len(s.Sessions.Ended))
	for reason := range s.Sessions.Ended {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	ended := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		ended = append(ended, fmt.Sprintf("%s=%d", reason, s.Sessions.Ended[reason]))
	}
	fmt.Printf("  Sessions: %d started; ended %s\n", s.Sessions.Started, strings.Join(ended, " "))
	if s.KillSwitch > 0 {
		fmt.Printf("  %s %d\n", danger("Kill switch engagements:"), s.KillSwitch)
	}
}
