package audit

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
	BackendBoth   = "both"
)

// Log is an opened audit backend: a Sink that can also be queried.
type Log struct {
	Multi
	closers []func() error
}

// Close releases backend resources.
func (l *Log) Close() error {
	var first error
	for _, fn := range l.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens the configured backend under the workspace. The first sink
// listed answers queries.
func Open(workspace, backend string) (*Log, error) {
	log := &Log{}
	backend = strings.ToLower(strings.TrimSpace(backend))
	switch backend {
	case "", BackendJSONL:
		journal := NewWriter(workspace)
		log.Multi = Multi{journal}
		log.closers = append(log.closers, journal.Close)
	case BackendSQLite, BackendBoth:
		store, err := OpenStore(DefaultStorePath(workspace))
		if err != nil {
			return nil, err
		}
		log.Multi = Multi{store}
		log.closers = append(log.closers, store.Close)
		if backend == BackendBoth {
			journal := NewWriter(workspace)
			log.Multi = append(log.Multi, journal)
			log.closers = append(log.closers, journal.Close)
		}
	default:
		return nil, fmt.Errorf("unknown audit backend %q", backend)
	}
	return log, nil
}
