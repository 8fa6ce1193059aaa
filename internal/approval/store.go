package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	ledgerVersion = 2
	ledgerMode    = 0644
	ledgerDirMode = 0755
	firstID       = int64(1)

	lockRetry    = 10 * time.Millisecond
	lockTimeout  = 5 * time.Second
	staleLockAge = 30 * time.Second
)

// ErrStoreBusy is returned when another process holds the ledger lock for
// longer than the lock timeout.
var ErrStoreBusy = errors.New("approval store is locked by another process")

// ledger is the on-disk document: requests in creation order and the
// append-only list of decision records.
type ledger struct {
	Version  int       `json:"version"`
	NextID   int64     `json:"next_id"`
	Requests []Request `json:"requests"`
	Records  []Record  `json:"records"`
}

func (l *ledger) find(id string) *Request {
	for i := range l.Requests {
		if l.Requests[i].ID == id {
			return &l.Requests[i]
		}
	}
	return nil
}

func (l *ledger) allocateID() string {
	id := l.NextID
	l.NextID++
	return strconv.FormatInt(id, 10)
}

// settle marks an expired pending request and appends its implicit deny.
func (l *ledger) settle(req *Request, now time.Time, note string) Record {
	expire(req, now, note)
	record := recordFor(*req)
	l.Records = append(l.Records, record)
	return record
}

// Store is the approval ledger at <workspace>/state/approvals.json. The
// broker and the CLI both write it, so every change is a read-modify-write
// under an exclusive lock file next to the ledger.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for a workspace.
func NewStore(workspace string) *Store {
	return &Store{path: filepath.Join(workspace, "state", "approvals.json")}
}

// Path returns the ledger file path.
func (s *Store) Path() string {
	return s.path
}

// View reads the ledger. Writes replace the file atomically, so readers
// never need the lock file.
func (s *Store) View(fn func(l *ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.read()
	if err != nil {
		return err
	}
	return fn(&l)
}

// Update runs fn on the current ledger and writes it back when fn reports a
// change. An error from fn discards the change.
func (s *Store) Update(fn func(l *ledger) (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	l, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(&l)
	if err != nil || !changed {
		return err
	}
	return s.write(l)
}

func (s *Store) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), ledgerDirMode); err != nil {
		return nil, fmt.Errorf("create approval store dir: %w", err)
	}
	lockPath := s.path + ".lock"
	token := strconv.Itoa(os.Getpid()) + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, ledgerMode)
		if err == nil {
			_, _ = f.WriteString(token)
			_ = f.Close()
			return func() { releaseLock(lockPath, token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock approval store: %w", err)
		}
		if breakStaleLock(lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrStoreBusy, lockPath)
		}
		time.Sleep(lockRetry)
	}
}

// releaseLock removes the lock only while it still holds our token.
func releaseLock(lockPath, token string) {
	if raw, err := os.ReadFile(lockPath); err == nil && string(raw) == token {
		_ = os.Remove(lockPath)
	}
}

// breakStaleLock clears a lock left behind by a crashed holder. The file is
// renamed to a private name first, so only one process can claim it, and it
// is put back if it turns out to be a fresh lock taken after the stat.
func breakStaleLock(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil || time.Since(info.ModTime()) <= staleLockAge {
		return false
	}
	private := fmt.Sprintf("%s.%d.%d.stale", lockPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(lockPath, private); err != nil {
		return false
	}
	if info, err := os.Stat(private); err == nil && time.Since(info.ModTime()) <= staleLockAge {
		_ = os.Link(private, lockPath)
	}
	_ = os.Remove(private)
	return true
}

func (s *Store) read() (ledger, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return normalize(ledger{}), nil
		}
		return ledger{}, fmt.Errorf("read approval store: %w", err)
	}

	var l ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return ledger{}, fmt.Errorf("parse approval store: %w", err)
	}
	if l.Version > ledgerVersion {
		return ledger{}, fmt.Errorf("approval store version %d is newer than supported version %d", l.Version, ledgerVersion)
	}
	return normalize(l), nil
}

func (s *Store) write(l ledger) error {
	encoded, err := json.MarshalIndent(normalize(l), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "approvals-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp approval store: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp approval store: %w", err)
	}
	if err := tmp.Chmod(ledgerMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp approval store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp approval store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp approval store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace approval store: %w", err)
	}
	return nil
}

// normalize fills defaults and upgrades version 1 ledgers, which had no
// decision records and counted ids from the request list.
func normalize(l ledger) ledger {
	if l.Requests == nil {
		l.Requests = []Request{}
	}
	if l.Records == nil {
		l.Records = []Record{}
	}
	if l.NextID <= 0 {
		l.NextID = firstID
		for _, req := range l.Requests {
			if id, err := strconv.ParseInt(req.ID, 10, 64); err == nil && id >= l.NextID {
				l.NextID = id + 1
			}
		}
	}
	if l.Version < ledgerVersion {
		l.Version = ledgerVersion
	}
	return l
}
