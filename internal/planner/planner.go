// Package planner is the untrusted "brain" boundary. A planner only proposes
// actions; nothing it returns carries authority.
package planner

import (
	"context"
	"errors"
	"sync"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// ErrBadProposal marks planner output that could not be turned into a
// proposal.
var ErrBadProposal = errors.New("planner returned an unusable proposal")

// Step is one past iteration as the planner sees it.
type Step struct {
	Action  action.Action
	Verdict string
	OK      bool
	Outcome string
}

// Input is what the broker shares with the planner when deciding.
type Input struct {
	SessionID string
	Goal      string
	Snapshot  string
	History   []Step
}

// Proposal is either the next action or Done.
type Proposal struct {
	Action    action.Action
	Done      bool
	Rationale string
}

// Planner proposes the next action for a session.
type Planner interface {
	Propose(ctx context.Context, in Input) (Proposal, error)
}

// Func adapts a function to Planner.
type Func func(ctx context.Context, in Input) (Proposal, error)

func (f Func) Propose(ctx context.Context, in Input) (Proposal, error) { return f(ctx, in) }

// Scripted replays a fixed list of actions for every session and then
// reports Done.
type Scripted struct {
	actions []action.Action

	mu   sync.Mutex
	next map[string]int
}

// NewScripted returns a planner that proposes actions in order.
func NewScripted(actions ...action.Action) *Scripted {
	return &Scripted{actions: actions, next: map[string]int{}}
}

func (s *Scripted) Propose(ctx context.Context, in Input) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.next[in.SessionID]
	if i >= len(s.actions) {
		return Proposal{Done: true, Rationale: "script finished"}, nil
	}
	s.next[in.SessionID] = i + 1
	return Proposal{Action: s.actions[i], Rationale: "scripted step"}, nil
}
