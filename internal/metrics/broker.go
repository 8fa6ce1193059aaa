package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const brokerMetricsFileName = "broker_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// Snapshot contains aggregated broker metrics.
type Snapshot struct {
	UpdatedAt  time.Time     `json:"updated_at"`
	Dispatch   DispatchStats `json:"dispatch"`
	Verdicts   VerdictStats  `json:"verdicts"`
	Sessions   SessionStats  `json:"sessions"`
	KillSwitch int64         `json:"kill_switch_engagements"`
}

// DispatchStats tracks actions sent to executors.
type DispatchStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	Rejected          int64 `json:"rejected_responses"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (d DispatchStats) ErrorRatio() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.Errors) / float64(d.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (d DispatchStats) TimeoutRatio() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.Timeouts) / float64(d.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (d DispatchStats) AvgLatencyMs() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.TotalLatencyMs) / float64(d.Total)
}

// VerdictStats counts policy outcomes at the authorization gate.
type VerdictStats struct {
	Allow           int64 `json:"allow"`
	Deny            int64 `json:"deny"`
	RequireApproval int64 `json:"require_approval"`
	Approved        int64 `json:"approved"`
	Rejected        int64 `json:"rejected"`
}

// SessionStats counts sessions by how they ended.
type SessionStats struct {
	Started int64            `json:"started"`
	Ended   map[string]int64 `json:"ended,omitempty"`
}

// HasData reports whether any metrics were recorded.
func (s Snapshot) HasData() bool {
	return s.Dispatch.Total > 0 || s.Sessions.Started > 0 || s.KillSwitch > 0
}

// Recorder records and persists broker metrics. A nil Recorder is a no-op.
type Recorder struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	buckets []int64
}

// NewRecorder creates a recorder rooted at <workspace>/state/broker_metrics.json.
func NewRecorder(workspacePath string) *Recorder {
	return &Recorder{
		path:    snapshotPath(workspacePath),
		now:     time.Now,
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
}

// Snapshot returns the latest in-memory snapshot.
func (m *Recorder) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

// RecordDispatch updates executor round trip metrics.
func (m *Recorder) RecordDispatch(duration time.Duration, runErr error) (Snapshot, error) {
	return m.update(func(s *Snapshot) {
		latencyMs := duration.Milliseconds()
		if latencyMs < 0 {
			latencyMs = 0
		}
		s.Dispatch.Total++
		s.Dispatch.TotalLatencyMs += latencyMs
		s.Dispatch.LastLatencyMs = latencyMs
		if latencyMs > s.Dispatch.MaxLatencyMs {
			s.Dispatch.MaxLatencyMs = latencyMs
		}
		if runErr != nil {
			s.Dispatch.Errors++
			if isTimeoutError(runErr) {
				s.Dispatch.Timeouts++
			}
		}
		m.buckets[latencyBucketIndex(latencyMs)]++
		s.Dispatch.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, s.Dispatch.Total)
	})
}

// RecordRejectedResponse counts executor responses dropped by the broker.
func (m *Recorder) RecordRejectedResponse() (Snapshot, error) {
	return m.update(func(s *Snapshot) { s.Dispatch.Rejected++ })
}

// RecordVerdict counts a policy verdict by name.
func (m *Recorder) RecordVerdict(verdict string) (Snapshot, error) {
	return m.update(func(s *Snapshot) {
		switch verdict {
		case "allow":
			s.Verdicts.Allow++
		case "deny":
			s.Verdicts.Deny++
		case "require_approval":
			s.Verdicts.RequireApproval++
		}
	})
}

// RecordApproval counts a resolved human approval.
func (m *Recorder) RecordApproval(allowed bool) (Snapshot, error) {
	return m.update(func(s *Snapshot) {
		if allowed {
			s.Verdicts.Approved++
		} else {
			s.Verdicts.Rejected++
		}
	})
}

// RecordSessionStart counts a new session.
func (m *Recorder) RecordSessionStart() (Snapshot, error) {
	return m.update(func(s *Snapshot) { s.Sessions.Started++ })
}

// RecordSessionEnd counts a terminated session by reason.
func (m *Recorder) RecordSessionEnd(reason string) (Snapshot, error) {
	return m.update(func(s *Snapshot) {
		if s.Sessions.Ended == nil {
			s.Sessions.Ended = map[string]int64{}
		}
		s.Sessions.Ended[reason]++
	})
}

// RecordKillSwitch counts a kill switch engagement.
func (m *Recorder) RecordKillSwitch() (Snapshot, error) {
	return m.update(func(s *Snapshot) { s.KillSwitch++ })
}

// Close writes the final snapshot.
func (m *Recorder) Close() error {
	if m == nil {
		return nil
	}
	return persistSnapshot(m.path, m.Snapshot())
}

func (m *Recorder) update(fn func(*Snapshot)) (Snapshot, error) {
	if m == nil {
		return Snapshot{}, nil
	}
	m.mu.Lock()
	m.snap.UpdatedAt = m.now().UTC()
	fn(&m.snap)
	snapshot := m.copyLocked()
	m.mu.Unlock()

	return snapshot, persistSnapshot(m.path, snapshot)
}

func (m *Recorder) copyLocked() Snapshot {
	snap := m.snap
	if m.snap.Sessions.Ended != nil {
		snap.Sessions.Ended = make(map[string]int64, len(m.snap.Sessions.Ended))
		for k, v := range m.snap.Sessions.Ended {
			snap.Sessions.Ended[k] = v
		}
	}
	return snap
}

// ReadSnapshot reads the persisted snapshot from workspace state.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadSnapshot(workspacePath string) (Snapshot, error) {
	path := snapshotPath(workspacePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read broker metrics: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode broker metrics: %w", err)
	}
	return snap, nil
}

func snapshotPath(workspacePath string) string {
	if strings.TrimSpace(workspacePath) == "" {
		return ""
	}
	return filepath.Join(workspacePath, "state", brokerMetricsFileName)
}

func persistSnapshot(path string, snapshot Snapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create broker metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode broker metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write broker metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename broker metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(runErr error) bool {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(fmt.Sprint(runErr))
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "timeout") ||
		strings.Contains(lowered, "timed out")
}
