package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/planner"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

const subscriberBuffer = 256

// Entry is one append-only history record.
type Entry struct {
	Seq        int64         `json:"seq"`
	State      string        `json:"state"`
	Action     action.Action `json:"-"`
	ActionKind string        `json:"action_kind,omitempty"`
	Summary    string        `json:"action,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Info is a read-only view of a session.
type Info struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	State     string    `json:"state"`
	Pending   string    `json:"pending_action,omitempty"`
	Approval  string    `json:"approval_id,omitempty"`
	Steps     int       `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Done      bool      `json:"done"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// session is owned by its run goroutine; other goroutines only read through
// the mutex.
type session struct {
	id      string
	goal    string
	created time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	updated     time.Time
	pending     action.Action
	approvalID  string
	history     []Entry
	subscribers []chan Entry
	seq         int64

	// Run goroutine only.
	steps    int
	failures int
	past     []planner.Step
	executor transport.Executor
}

func newSession(parent context.Context, id, goal string, now time.Time) *session {
	ctx, cancel := context.WithCancelCause(parent)
	return &session{
		id:      id,
		goal:    goal,
		created: now,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   Idle{},
		updated: now,
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// record applies a transition and fans the entry out to subscribers.
func (s *session) record(next State, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = next
	s.updated = entry.Timestamp
	switch st := next.(type) {
	case Authorizing:
		s.pending = st.Pending
	case Acting:
		s.pending = st.Action()
	case Verifying:
		s.pending = action.Action{}
		s.approvalID = ""
	case Observing, Terminated:
		s.pending = action.Action{}
		s.approvalID = ""
	}
	s.history = append(s.history, entry)
	for _, ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
			slog.Warn("session subscriber lagging, entry dropped", "session_id", s.id, "seq", entry.Seq)
		}
	}
}

func (s *session) setApproval(id string) {
	s.mu.Lock()
	s.approvalID = id
	s.mu.Unlock()
}

func (s *session) subscribe() (<-chan Entry, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Entry, len(s.history)+subscriberBuffer)
	for _, entry := range s.history {
		ch <- entry
	}
	if _, final := s.state.(Terminated); final {
		close(ch)
		return ch, func() {}
	}
	s.subscribers = append(s.subscribers, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subscribers {
				if sub == ch {
					s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (s *session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}

func (s *session) historyCopy() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.history...)
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.id,
		Goal:      s.goal,
		State:     s.state.Name(),
		Approval:  s.approvalID,
		Steps:     s.countSteps(),
		CreatedAt: s.created,
		UpdatedAt: s.updated,
	}
	if !s.pending.IsZero() {
		info.Pending = s.pending.String()
	}
	if t, ok := s.state.(Terminated); ok {
		info.Done = true
		info.Reason = t.Reason
		if t.Err != nil {
			info.Error = t.Err.Error()
		}
	}
	return info
}

// countSteps counts Authorizing entries, one per planner proposal.
func (s *session) countSteps() int {
	n := 0
	for _, entry := range s.history {
		if entry.State == (Authorizing{}).Name() {
			n++
		}
	}
	return n
}
