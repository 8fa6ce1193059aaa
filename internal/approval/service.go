package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultTTL          = 15 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// Service orchestrates approval lifecycle operations.
type Service struct {
	store        *Store
	defaultTTL   time.Duration
	pollInterval time.Duration
	now          func() time.Time
	notify       Notifier
}

// NewService creates a service backed by <workspace>/state/approvals.json.
func NewService(workspace string) *Service {
	return &Service{
		store:        NewStore(workspace),
		defaultTTL:   defaultTTL,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// SetDefaultTTL changes how long new requests stay pending.
func (s *Service) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
}

// SetPollInterval changes how often Await re-reads the store.
func (s *Service) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		s.pollInterval = interval
	}
}

// SetNotifier installs the hook called for each new pending request.
func (s *Service) SetNotifier(fn Notifier) {
	s.notify = fn
}

// Create inserts a new pending approval request.
func (s *Service) Create(input CreateInput) (Request, error) {
	if err := input.Action.Validate(); err != nil {
		return Request{}, fmt.Errorf("approval action: %w", err)
	}
	now := s.now().UTC()
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	var request Request
	err := s.store.Update(func(l *ledger) (bool, error) {
		request = Request{
			ID:          l.allocateID(),
			SessionID:   strings.TrimSpace(input.SessionID),
			Kind:        input.Action.Kind(),
			Action:      input.Action,
			Signature:   input.Action.Signature(),
			Tier:        input.Tier.Effective(),
			Reason:      strings.TrimSpace(input.Reason),
			Status:      StatusPending,
			RequestedAt: now,
			ExpiresAt:   now.Add(ttl),
		}
		l.Requests = append(l.Requests, request)
		return true, nil
	})
	if err != nil {
		return Request{}, err
	}

	if s.notify != nil {
		s.notify(request)
	}
	return request, nil
}

// Approve resolves a pending request with allow_once unless the input names
// another allowing decision.
func (s *Service) Approve(id string, input DecisionInput) (Request, error) {
	if input.Decision != DecisionAllowAlways {
		input.Decision = DecisionAllowOnce
	}
	req, _, err := s.Resolve(id, input)
	return req, err
}

// Reject resolves a pending request with deny.
func (s *Service) Reject(id string, input DecisionInput) (Request, error) {
	input.Decision = DecisionDeny
	req, _, err := s.Resolve(id, input)
	return req, err
}

// Resolve applies a human decision to a pending request and appends the
// resulting record.
func (s *Service) Resolve(id string, input DecisionInput) (Request, Record, error) {
	requestID := strings.TrimSpace(id)
	if requestID == "" {
		return Request{}, Record{}, fmt.Errorf("id is required")
	}
	status, defaultNote := StatusApproved, "approved"
	switch input.Decision {
	case DecisionAllowOnce, DecisionAllowAlways:
	case DecisionDeny:
		status, defaultNote = StatusRejected, "rejected"
	default:
		return Request{}, Record{}, fmt.Errorf("unknown decision %q", input.Decision)
	}
	scope := input.Scope
	if scope == "" {
		scope = ScopeGlobal
	}

	now := s.now().UTC()
	decidedBy := strings.TrimSpace(input.DecidedBy)
	if decidedBy == "" {
		decidedBy = "unknown"
	}
	note := strings.TrimSpace(input.Note)
	if note == "" {
		note = defaultNote
	}

	var (
		resolved Request
		record   Record
		expired  bool
	)
	err := s.store.Update(func(l *ledger) (bool, error) {
		req := l.find(requestID)
		if req == nil {
			return false, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		if req.Status != StatusPending {
			return false, fmt.Errorf("%w: %s is %s", ErrNotPending, requestID, req.Status)
		}
		if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now) {
			l.settle(req, now, "expired by ttl")
			expired = true
			return true, nil
		}

		req.Status = status
		req.Decision = input.Decision
		req.Scope = scope
		req.DecidedAt = now
		req.DecidedBy = decidedBy
		req.DecisionNote = note
		req.RememberFor = input.RememberFor

		resolved = *req
		record = recordFor(*req)
		l.Records = append(l.Records, record)
		return true, nil
	})
	if err != nil {
		return Request{}, Record{}, err
	}
	if expired {
		return Request{}, Record{}, fmt.Errorf("%w: %s", ErrExpired, requestID)
	}
	return resolved, record, nil
}

// List returns requests filtered by query values.
func (s *Service) List(query Query) ([]Request, error) {
	idFilter := strings.TrimSpace(query.ID)
	statusFilter := strings.TrimSpace(string(query.Status))
	sessionFilter := strings.TrimSpace(query.SessionID)

	var result []Request
	err := s.store.View(func(l *ledger) error {
		result = make([]Request, 0, len(l.Requests))
		for _, req := range l.Requests {
			if idFilter != "" && req.ID != idFilter {
				continue
			}
			if statusFilter != "" && string(req.Status) != statusFilter {
				continue
			}
			if sessionFilter != "" && req.SessionID != sessionFilter {
				continue
			}
			result = append(result, req)
		}
		return nil
	})
	return result, err
}

// Records returns every decision record in the order it was written.
func (s *Service) Records() ([]Record, error) {
	var records []Record
	err := s.store.View(func(l *ledger) error {
		records = append([]Record(nil), l.Records...)
		return nil
	})
	return records, err
}

// Remembered returns the records a policy engine should load at startup:
// explicit allow_always and deny decisions that have not expired.
func (s *Service) Remembered() ([]Record, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.Rememberable() {
			continue
		}
		if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ExpirePending marks pending requests as expired when TTL has elapsed.
func (s *Service) ExpirePending() ([]Request, error) {
	now := s.now().UTC()
	var expired []Request
	err := s.store.Update(func(l *ledger) (bool, error) {
		for i := range l.Requests {
			req := &l.Requests[i]
			if req.Status != StatusPending {
				continue
			}
			if req.ExpiresAt.IsZero() || req.ExpiresAt.After(now) {
				continue
			}
			l.settle(req, now, "expired by ttl")
			expired = append(expired, *req)
		}
		return len(expired) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// Await blocks until the request is resolved. A request that outlives its
// TTL, or whose wait is cancelled, resolves to an implicit deny; the
// cancellation error is returned alongside that record.
func (s *Service) Await(ctx context.Context, id string) (Record, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		record, done, err := s.poll(id)
		if err != nil {
			return Record{}, err
		}
		if done {
			return record, nil
		}

		select {
		case <-ctx.Done():
			record, cancelErr := s.cancel(id, "approval wait cancelled")
			if cancelErr != nil {
				slog.Warn("approval cancel failed", "request_id", id, "error", cancelErr)
			}
			return record, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll checks a request without taking the ledger lock unless it has to
// settle an expired request.
func (s *Service) poll(id string) (Record, bool, error) {
	var (
		record Record
		done   bool
		stale  bool
	)
	now := s.now().UTC()
	err := s.store.View(func(l *ledger) error {
		req := l.find(id)
		if req == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		switch req.Status {
		case StatusApproved, StatusRejected, StatusExpired:
			record, done = recordFor(*req), true
		default:
			stale = !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now)
		}
		return nil
	})
	if err != nil || done || !stale {
		return record, done, err
	}
	record, err = s.cancel(id, "expired by ttl")
	return record, err == nil, err
}

// cancel settles a still-pending request as an implicit deny. A request
// someone resolved in the meantime keeps its decision.
func (s *Service) cancel(id, note string) (Record, error) {
	now := s.now().UTC()
	record := implicitDeny(id, now, note)
	err := s.store.Update(func(l *ledger) (bool, error) {
		req := l.find(id)
		if req == nil {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if req.Status != StatusPending {
			record = recordFor(*req)
			return false, nil
		}
		record = l.settle(req, now, note)
		return true, nil
	})
	return record, err
}

func expire(req *Request, now time.Time, note string) {
	req.Status = StatusExpired
	req.Decision = DecisionDeny
	req.DecidedAt = now
	req.DecidedBy = SystemDecider
	if strings.TrimSpace(req.DecisionNote) == "" {
		req.DecisionNote = note
	}
}

func recordFor(req Request) Record {
	record := Record{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Kind:      req.Kind,
		Signature: req.Signature,
		Decision:  req.Decision,
		Scope:     req.Scope,
		DecidedBy: req.DecidedBy,
		DecidedAt: req.DecidedAt,
		Note:      req.DecisionNote,
		Implicit:  req.Status == StatusExpired,
	}
	if record.Decision == "" {
		record.Decision = DecisionDeny
	}
	if req.RememberFor > 0 && record.Rememberable() {
		record.ExpiresAt = req.DecidedAt.Add(req.RememberFor)
	}
	return record
}

func implicitDeny(id string, now time.Time, note string) Record {
	return Record{
		RequestID: id,
		Decision:  DecisionDeny,
		DecidedBy: SystemDecider,
		DecidedAt: now,
		Note:      note,
		Implicit:  true,
	}
}
