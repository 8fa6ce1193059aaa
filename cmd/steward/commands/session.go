package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/broker"
)

func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Submit and inspect sessions on a running broker",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "submit <goal>",
			Short: "Start a session for a goal",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runSessionSubmit,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List live and recent sessions",
			RunE:  runSessionList,
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show a session and its history",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionShow,
		},
		&cobra.Command{
			Use:   "cancel <id>",
			Short: "Cancel a session",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionCancel,
		},
	)
	return cmd
}

func runSessionSubmit(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient()
	if err != nil {
		return err
	}
	var out struct {
		Session broker.Info `json:"session"`
	}
	goal := strings.Join(args, " ")
	if err := client.do(context.Background(), http.MethodPost, "/sessions", map[string]string{"goal": goal}, &out); err != nil {
		return err
	}
	fmt.Printf("Session %s started.\n", out.Session.ID)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient()
	if err != nil {
		return err
	}
	var out struct {
		Sessions []broker.Info `json:"sessions"`
	}
	if err := client.do(context.Background(), http.MethodGet, "/sessions", nil, &out); err != nil {
		return err
	}
	printSessions(out.Sessions)
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient()
	if err != nil {
		return err
	}
	id := url.PathEscape(args[0])
	var info struct {
		Session broker.Info `json:"session"`
	}
	if err := client.do(context.Background(), http.MethodGet, "/sessions/"+id, nil, &info); err != nil {
		return err
	}
	var history struct {
		History []broker.Entry `json:"history"`
	}
	if err := client.do(context.Background(), http.MethodGet, "/sessions/"+id+"/history", nil, &history); err != nil {
		return err
	}
	printHistory(info.Session.ID, history.History)
	printSessionInfo(info.Session)
	return nil
}

func runSessionCancel(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient()
	if err != nil {
		return err
	}
	if err := client.do(context.Background(), http.MethodDelete, "/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Session %s cancelling.\n", args[0])
	return nil
}

func printSessions(sessions []broker.Info) {
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			s.State,
			s.Reason,
			fmt.Sprintf("%d", s.Steps),
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			s.Goal,
		})
	}
	renderTable("Sessions", []column{
		{"ID", 36}, {"STATE", 12}, {"REASON", 12}, {"STEPS", 5}, {"CREATED", 19}, {"GOAL", 40},
	}, rows, 1, 2)
}

func printHistory(id string, history []broker.Entry) {
	rows := make([][]string, 0, len(history))
	for _, e := range history {
		rows = append(rows, []string{
			fmt.Sprintf("%d", e.Seq),
			e.Timestamp.Local().Format("15:04:05.000"),
			e.State,
			e.Summary,
			e.Outcome,
		})
	}
	renderTable("Session "+id, []column{
		{"SEQ", 5}, {"TIME", 12}, {"STATE", 12}, {"ACTION", 36}, {"OUTCOME", 48},
	}, rows, 2)
}

func printSessionInfo(info broker.Info) {
	if !info.Done {
		fmt.Printf("State: %s\n", colored(info.State))
		if info.Pending != "" {
			fmt.Printf("Pending: %s\n", info.Pending)
		}
		if info.Approval != "" {
			fmt.Printf("Awaiting approval %s\n", info.Approval)
		}
		return
	}
	fmt.Printf("Terminated: %s after %d steps\n", colored(info.Reason), info.Steps)
	if info.Error != "" {
		fmt.Println(mutedText.Render(info.Error))
	}
}
