package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// FrameType tags the single envelope that travels on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameControl  FrameType = "control"
)

// Status is the executor's report on a request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// ControlKill halts every executor that receives it.
const ControlKill = "kill"

// ErrTransport is wrapped by every error that means the executor could not
// be reached or did not answer.
var ErrTransport = errors.New("transport error")

// Error records the failed operation. It matches both ErrTransport and the
// underlying cause with errors.Is.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "transport " + e.Op
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

func opError(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Request asks an executor to perform one authorized action.
type Request struct {
	CorrelationID string        `json:"correlation_id" cbor:"correlation_id"`
	SessionID     string        `json:"session_id" cbor:"session_id"`
	Action        action.Action `json:"action" cbor:"action"`
	MAC           []byte        `json:"mac,omitempty" cbor:"mac,omitempty"`
}

// Response reports the outcome of a request.
type Response struct {
	CorrelationID string `json:"correlation_id" cbor:"correlation_id"`
	Status        Status `json:"status" cbor:"status"`
	Data          string `json:"data,omitempty" cbor:"data,omitempty"`
	Error         string `json:"error,omitempty" cbor:"error,omitempty"`
	MAC           []byte `json:"mac,omitempty" cbor:"mac,omitempty"`
}

// OK reports whether the executor succeeded.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Control is an out-of-band instruction outside the request stream.
type Control struct {
	Type   string `json:"type" cbor:"type"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
	MAC    []byte `json:"mac,omitempty" cbor:"mac,omitempty"`
}

// Frame is the union sent on a connection. Exactly one body is set.
type Frame struct {
	Type     FrameType `json:"type" cbor:"type"`
	Request  *Request  `json:"request,omitempty" cbor:"request,omitempty"`
	Response *Response `json:"response,omitempty" cbor:"response,omitempty"`
	Control  *Control  `json:"control,omitempty" cbor:"control,omitempty"`
}

// Validate checks that the frame type matches its body.
func (f Frame) Validate() error {
	set := 0
	for _, present := range []bool{f.Request != nil, f.Response != nil, f.Control != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("frame %q carries %d bodies", f.Type, set)
	}
	switch f.Type {
	case FrameRequest:
		if f.Request == nil {
			return fmt.Errorf("request frame without request body")
		}
		if strings.TrimSpace(f.Request.CorrelationID) == "" {
			return fmt.Errorf("request frame without correlation id")
		}
	case FrameResponse:
		if f.Response == nil {
			return fmt.Errorf("response frame without response body")
		}
		if f.Response.Status != StatusSuccess && f.Response.Status != StatusFail {
			return fmt.Errorf("response frame with status %q", f.Response.Status)
		}
	case FrameControl:
		if f.Control == nil {
			return fmt.Errorf("control frame without control body")
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// RequestFrame wraps a request.
func RequestFrame(r Request) Frame { return Frame{Type: FrameRequest, Request: &r} }

// ResponseFrame wraps a response.
func ResponseFrame(r Response) Frame { return Frame{Type: FrameResponse, Response: &r} }

// ControlFrame wraps a control message.
func ControlFrame(c Control) Frame { return Frame{Type: FrameControl, Control: &c} }
