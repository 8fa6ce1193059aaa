package executor

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by UI backends that cannot perform an operation
// on this host.
var ErrUnsupported = errors.New("operation not supported by this executor")

// Element is an opaque live reference produced by a UI backend. The executor
// never sends it over the wire; planners only ever see arena handles.
type Element any

// UI performs accessibility-level operations. Implementations are platform
// specific and live outside this module.
type UI interface {
	Snapshot(ctx context.Context, scope string) (string, error)
	Find(ctx context.Context, query string) ([]Element, error)
	Click(ctx context.Context, el Element, double bool) error
	Type(ctx context.Context, text string, submit bool) error
	Quit(ctx context.Context, app string) error
}

// Unsupported is the default UI backend.
type Unsupported struct{}

func (Unsupported) Snapshot(context.Context, string) (string, error) { return "", ErrUnsupported }
func (Unsupported) Find(context.Context, string) ([]Element, error)  { return nil, ErrUnsupported }
func (Unsupported) Click(context.Context, Element, bool) error       { return ErrUnsupported }
func (Unsupported) Type(context.Context, string, bool) error         { return ErrUnsupported }
func (Unsupported) Quit(context.Context, string) error               { return ErrUnsupported }
