package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	journalFileMode = 0644
	journalDirMode  = 0755
	maxLineBytes    = 1 << 20
)

// Writer is the JSONL journal at <workspace>/state/audit.jsonl. The file is
// opened on first append and kept open until Close; every event is synced
// before Append returns.
type Writer struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
}

// NewWriter creates a journal rooted at workspace state.
func NewWriter(workspace string) *Writer {
	return &Writer{
		path: filepath.Join(workspace, "state", "audit.jsonl"),
		now:  time.Now,
	}
}

// Path returns the journal location.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one event as one line. Events without a time are stamped.
func (w *Writer) Append(event Event) error {
	if event.Type == "" {
		return errors.New("audit event has no type")
	}
	if event.Time.IsZero() {
		event.Time = w.now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(); err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync audit journal: %w", err)
	}
	return nil
}

func (w *Writer) openLocked() error {
	if w.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), journalDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, journalFileMode)
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	w.file = f
	return nil
}

// Close releases the journal handle. A later Append reopens it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Query scans the journal and returns the events of one session, or all
// events for an empty id, in file order. Lines that fail to parse, such as
// a line torn by a crash, are skipped.
func (w *Writer) Query(sessionID string) ([]Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	defer file.Close()

	events := make([]Event, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if sessionID != "" && event.SessionID != sessionID {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit journal: %w", err)
	}
	return events, nil
}
