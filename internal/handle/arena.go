// Package handle stores live references behind generation-stamped handles so
// a stale id is detected instead of resolving to whatever reused its slot.
package handle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrStale means the slot was freed or reused since the handle was issued.
	ErrStale = errors.New("stale handle")
	// ErrInvalid means the handle text could not be parsed.
	ErrInvalid = errors.New("invalid handle")
)

// Handle names one arena slot at one generation.
type Handle struct {
	Index      uint32
	Generation uint32
}

// String renders the wire form "index:generation".
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h.Index), 10) + ":" + strconv.FormatUint(uint64(h.Generation), 10)
}

// IsZero reports whether h was never issued. Generations start at 1.
func (h Handle) IsZero() bool {
	return h.Generation == 0
}

// Parse reads the wire form produced by String.
func Parse(s string) (Handle, error) {
	idx, gen, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil || g == 0 {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return Handle{Index: uint32(i), Generation: uint32(g)}, nil
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Arena is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
}

// NewArena returns an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its handle. Freed slots are reused with a
// bumped generation.
func (a *Arena[T]) Insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.generation++
		if s.generation == 0 {
			s.generation = 1
		}
		s.value = v
		s.live = true
		return Handle{Index: idx, Generation: s.generation}
	}
	a.slots = append(a.slots, slot[T]{value: v, generation: 1, live: true})
	return Handle{Index: uint32(len(a.slots) - 1), Generation: 1}
}

// Get resolves h.
func (a *Arena[T]) Get(h Handle) (T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var zero T
	if int(h.Index) >= len(a.slots) {
		return zero, fmt.Errorf("%w: %s", ErrStale, h)
	}
	s := a.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return zero, fmt.Errorf("%w: %s", ErrStale, h)
	}
	return s.value, nil
}

// Lookup parses the wire form and resolves it.
func (a *Arena[T]) Lookup(s string) (T, error) {
	h, err := Parse(s)
	if err != nil {
		var zero T
		return zero, err
	}
	return a.Get(h)
}

// Remove frees h. It reports false if h was already stale.
func (a *Arena[T]) Remove(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(h.Index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return false
	}
	var zero T
	s.value = zero
	s.live = false
	a.free = append(a.free, h.Index)
	return true
}

// Clear invalidates every outstanding handle.
func (a *Arena[T]) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	for i := range a.slots {
		if a.slots[i].live {
			a.slots[i].value = zero
			a.slots[i].live = false
			a.free = append(a.free, uint32(i))
		}
	}
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots) - len(a.free)
}
