package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func NewKillSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "killswitch [reason]",
		Short: "Engage the kill switch: halt every session and executor",
		Long: `Engages the kill switch on the running broker. Every session terminates,
executors are told to halt, and the broker refuses new sessions until it is
restarted. The configured signal (kill_switch.signal) has the same effect.`,
		RunE: runKillSwitch,
	}
}

func runKillSwitch(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient()
	if err != nil {
		return err
	}
	reason := strings.TrimSpace(strings.Join(args, " "))
	if reason == "" {
		reason = "cli"
	}
	var out struct {
		Reason string `json:"reason"`
		First  bool   `json:"first"`
	}
	if err := client.do(context.Background(), http.MethodPost, "/killswitch", map[string]string{"reason": reason}, &out); err != nil {
		return err
	}
	if !out.First {
		fmt.Printf("Kill switch was already engaged (%s).\n", out.Reason)
		return nil
	}
	fmt.Println(danger("KILL SWITCH ENGAGED") + " " + out.Reason)
	return nil
}
