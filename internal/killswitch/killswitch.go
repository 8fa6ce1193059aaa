// Package killswitch is the process-wide, out-of-band stop signal. Once
// engaged it stays engaged until the process exits.
package killswitch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"
)

// ErrEngaged is returned by operations refused because the switch is engaged.
var ErrEngaged = errors.New("kill switch engaged")

// ReasonSignal prefixes reasons for engagements triggered by OS signals.
const ReasonSignal = "signal"

// Switch is safe for concurrent use. The zero value is not usable; call New.
type Switch struct {
	mu        sync.Mutex
	engaged   bool
	reason    string
	engagedAt time.Time
	hooks     []func(reason string)
	done      chan struct{}
	now       func() time.Time
}

// New returns a disengaged switch.
func New() *Switch {
	return &Switch{done: make(chan struct{}), now: time.Now}
}

// Engage trips the switch. It returns false when the switch was already
// engaged; hooks only run on the first call.
func (s *Switch) Engage(reason string) bool {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}

	s.mu.Lock()
	if s.engaged {
		s.mu.Unlock()
		return false
	}
	s.engaged = true
	s.reason = reason
	s.engagedAt = s.now()
	hooks := append([]func(string){}, s.hooks...)
	close(s.done)
	s.mu.Unlock()

	slog.Error("kill switch engaged", "reason", reason)
	for _, fn := range hooks {
		fn(reason)
	}
	return true
}

// Engaged reports whether the switch has been tripped.
func (s *Switch) Engaged() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the switch engages.
func (s *Switch) Done() <-chan struct{} {
	return s.done
}

// Reason returns the engagement reason, or "" while disengaged.
func (s *Switch) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// EngagedAt returns when the switch engaged.
func (s *Switch) EngagedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engagedAt
}

// OnEngage registers fn to run once on engagement. If the switch is already
// engaged fn runs immediately.
func (s *Switch) OnEngage(fn func(reason string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if !s.engaged {
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
		return
	}
	reason := s.reason
	s.mu.Unlock()
	fn(reason)
}

// Err returns ErrEngaged once the switch is engaged.
func (s *Switch) Err() error {
	if s.Engaged() {
		return ErrEngaged
	}
	return nil
}

// NotifySignal engages sw when one of sigs arrives. It stops listening when
// ctx is done or the switch engages for another reason.
func NotifySignal(ctx context.Context, sw *Switch, sigs ...os.Signal) {
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			sw.Engage(ReasonSignal + ":" + sig.String())
		case <-sw.Done():
		case <-ctx.Done():
		}
	}()
}

// WithContext returns a context cancelled when the switch engages.
func WithContext(parent context.Context, sw *Switch) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-sw.Done():
			cancel(ErrEngaged)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
