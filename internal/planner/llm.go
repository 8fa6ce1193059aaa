package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

const defaultHistoryWindow = 12

const systemPrompt = `You drive a desktop automation session one action at a time.
Reply with a single JSON object and nothing else:
{"done": false, "rationale": "<why>", "action": {"kind": "<kind>", "<kind>": {...}}}
or {"done": true, "rationale": "<why>"} once the goal is satisfied.
Every action is checked by a policy engine; denied actions are reported back to you.
Allowed kinds and payloads:
  ui_snapshot {"scope"}, ui_find {"query"}, ui_click {"element_id", "double_click"},
  keyboard_type {"text", "submit"}, shell_exec {"command", "cwd"},
  file_delete {"path"}, process_kill {"pid", "name"}, app_quit {"app"}.`

// LLM asks a chat model for the next action and decodes its reply strictly.
type LLM struct {
	model         model.BaseChatModel
	historyWindow int
}

// NewLLM wraps a chat model.
func NewLLM(m model.BaseChatModel) *LLM {
	return &LLM{model: m, historyWindow: defaultHistoryWindow}
}

func (p *LLM) Propose(ctx context.Context, in Input) (Proposal, error) {
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(p.render(in)),
	}
	resp, err := p.model.Generate(ctx, messages)
	if err != nil {
		return Proposal{}, fmt.Errorf("planner model: %w", err)
	}
	if resp == nil {
		return Proposal{}, fmt.Errorf("%w: empty reply", ErrBadProposal)
	}
	return ParseProposal(resp.Content)
}

func (p *LLM) render(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", in.Goal)
	if strings.TrimSpace(in.Snapshot) != "" {
		fmt.Fprintf(&b, "\nCurrent observation:\n%s\n", in.Snapshot)
	}
	history := in.History
	if len(history) > p.historyWindow {
		history = history[len(history)-p.historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nRecent steps:\n")
		for _, step := range history {
			status := "ok"
			if !step.OK {
				status = "failed"
			}
			fmt.Fprintf(&b, "- %s [%s/%s] %s\n", step.Action, step.Verdict, status, oneLine(step.Outcome))
		}
	}
	return b.String()
}

type reply struct {
	Done      bool            `json:"done"`
	Rationale string          `json:"rationale"`
	Action    json.RawMessage `json:"action,omitempty"`
}

// ParseProposal decodes a model reply. Markdown code fences are tolerated;
// unknown fields and unknown action kinds are not.
func ParseProposal(content string) (Proposal, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var r reply
	if err := dec.Decode(&r); err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", ErrBadProposal, err)
	}
	if dec.More() {
		return Proposal{}, fmt.Errorf("%w: trailing data after reply", ErrBadProposal)
	}

	if r.Done {
		return Proposal{Done: true, Rationale: r.Rationale}, nil
	}
	if len(bytes.TrimSpace(r.Action)) == 0 || bytes.Equal(bytes.TrimSpace(r.Action), []byte("null")) {
		return Proposal{}, fmt.Errorf("%w: no action and not done", ErrBadProposal)
	}
	a, err := action.Parse(r.Action)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", ErrBadProposal, err)
	}
	return Proposal{Action: a, Rationale: r.Rationale}, nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return s
}
