package broker

import (
	"errors"
	"fmt"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
)

// Termination reasons.
const (
	ReasonCompleted  = "completed"
	ReasonNoProgress = "no_progress"
	ReasonKillSwitch = "kill_switch"
	ReasonCancelled  = "cancelled"
	ReasonStepLimit  = "step_limit"
	ReasonShutdown   = "shutdown"
)

// State is one node of the session state machine. The set is closed.
type State interface {
	Name() string
	isState()
}

// Idle is a session that has not received its goal yet.
type Idle struct{}

// Observing captures the environment.
type Observing struct{}

// Deciding asks the planner for the next action given a snapshot.
type Deciding struct {
	Snapshot string
}

// Authorizing holds a planner proposal awaiting the policy verdict.
type Authorizing struct {
	Pending action.Action
}

// Acting is the only state in which an action travels to an executor. Its
// fields are unexported: the sole constructor requires a policy grant.
type Acting struct {
	grant         policy.Authorization
	correlationID string
}

// Verifying holds the executor's answer, or the transport error in its place.
type Verifying struct {
	Executed action.Action
	Result   Result
}

// Terminated is final.
type Terminated struct {
	Reason string
	Err    error
}

func (Idle) Name() string        { return "idle" }
func (Observing) Name() string   { return "observing" }
func (Deciding) Name() string    { return "deciding" }
func (Authorizing) Name() string { return "authorizing" }
func (Acting) Name() string      { return "acting" }
func (Verifying) Name() string   { return "verifying" }
func (Terminated) Name() string  { return "terminated" }

func (Idle) isState()        {}
func (Observing) isState()   {}
func (Deciding) isState()    {}
func (Authorizing) isState() {}
func (Acting) isState()      {}
func (Verifying) isState()   {}
func (Terminated) isState()  {}

var errUnauthorized = errors.New("acting requires a policy authorization for the pending action")

// authorize builds Acting from an Authorizing state and the grant the
// policy engine issued for exactly that action and session.
func authorize(from Authorizing, sessionID string, grant policy.Authorization, correlationID string) (Acting, error) {
	if !grant.Covers(from.Pending) {
		return Acting{}, errUnauthorized
	}
	if grant.SessionID() != sessionID {
		return Acting{}, fmt.Errorf("%w: grant issued for session %q", errUnauthorized, grant.SessionID())
	}
	return Acting{grant: grant, correlationID: correlationID}, nil
}

// Action returns the authorized action.
func (s Acting) Action() action.Action { return s.grant.Action() }

// Grant returns the authorization that admitted the action.
func (s Acting) Grant() policy.Authorization { return s.grant }

// CorrelationID identifies the single in-flight request.
func (s Acting) CorrelationID() string { return s.correlationID }

// Result is what came back from the executor.
type Result struct {
	CorrelationID string
	OK            bool
	Data          string
	Error         string
	// Err is set when no valid response arrived: transport failure, timeout
	// or a refused dispatch. The outcome on the host is unknown.
	Err error
}

// String renders a short outcome line.
func (r Result) String() string {
	switch {
	case r.Err != nil:
		return "error: " + r.Err.Error()
	case r.OK:
		return "success"
	case r.Error != "":
		return "fail: " + r.Error
	default:
		return "fail"
	}
}
