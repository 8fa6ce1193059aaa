package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// ErrHalted is the cancel cause of every handler once a kill frame arrives.
// Requests read after the kill are answered with it and never performed.
var ErrHalted = errors.New("executor halted")

// replayWindow bounds how many correlation ids a server remembers.
const replayWindow = 4096

// Handler performs one verified request on the executor side.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response { return f(ctx, req) }

// Server is the executor side of the transport. Kill frames invoke Halt
// directly from the read loop, without acknowledging the broker. The halt
// is latched: running handlers are cancelled and later requests fail even
// when Halt returns.
type Server struct {
	Codec   Codec
	Signer  *Signer
	Handler Handler
	// Halt is called on a kill frame. Executors pass a function that exits
	// the process with status 1.
	Halt   func(reason string)
	Logger *slog.Logger

	wg     sync.WaitGroup
	halted atomic.Bool

	mu      sync.Mutex
	cancels map[int]context.CancelCauseFunc
	nextID  int
	seen    replayGuard
}

// Halted reports whether a kill frame has been received.
func (s *Server) Halted() bool { return s.halted.Load() }

// track registers the handler context of one connection. The returned
// func must be called when the connection ends.
func (s *Server) track(cancel context.CancelCauseFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelCauseFunc)
	}
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	if s.halted.Load() {
		cancel(ErrHalted)
	}
	return func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel(nil)
	}
}

func (s *Server) halt() {
	s.halted.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel(ErrHalted)
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger().Info("executor listening", "address", ln.Addr().String())
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger().Error("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, raw); err != nil {
				s.logger().Warn("executor connection closed", "error", err)
			}
		}()
	}
	s.wg.Wait()
	return nil
}

// ServeConn handles frames on one connection until it closes. Requests are
// handled concurrently; each response is written as soon as it is ready.
func (s *Server) ServeConn(ctx context.Context, raw net.Conn) error {
	conn := NewConn(raw, s.Codec)
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	hctx, hcancel := context.WithCancelCause(ctx)
	untrack := s.track(hcancel)
	defer untrack()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				s.logger().Warn("executor dropped malformed frame", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch f.Type {
		case FrameControl:
			s.control(*f.Control)
		case FrameRequest:
			req := *f.Request
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				s.handle(hctx, conn, req)
			}()
		default:
			s.logger().Warn("executor ignored unexpected frame", "type", string(f.Type))
		}
	}
}

func (s *Server) control(c Control) {
	if c.Type != ControlKill {
		s.logger().Warn("executor ignored control frame", "type", c.Type)
		return
	}
	if err := s.Signer.VerifyControl(c); err != nil {
		// Halting is the safe direction, so an unauthenticated kill still halts.
		s.logger().Warn("kill frame failed authentication", "error", err)
	}
	s.logger().Error("kill switch received, halting", "reason", c.Reason)
	s.halt()
	if s.Halt != nil {
		s.Halt(c.Reason)
	}
}

func (s *Server) handle(ctx context.Context, conn *Conn, req Request) {
	var resp Response
	if s.halted.Load() {
		s.logger().Warn("executor refused request after halt", "correlation_id", req.CorrelationID)
		resp = Response{CorrelationID: req.CorrelationID, Status: StatusFail, Error: ErrHalted.Error()}
	} else if err := s.Signer.VerifyRequest(req); err != nil {
		s.logger().Warn("executor rejected request", "correlation_id", req.CorrelationID, "error", err)
		resp = Response{CorrelationID: req.CorrelationID, Status: StatusFail, Error: err.Error()}
	} else if !s.seen.first(req.CorrelationID) {
		s.logger().Warn("executor rejected replayed request", "correlation_id", req.CorrelationID)
		resp = Response{CorrelationID: req.CorrelationID, Status: StatusFail, Error: "duplicate correlation id"}
	} else if s.Handler == nil {
		resp = Response{CorrelationID: req.CorrelationID, Status: StatusFail, Error: "no handler"}
	} else {
		resp = s.Handler.Handle(ctx, req)
		resp.CorrelationID = req.CorrelationID
		if resp.Status == "" {
			resp.Status = StatusFail
		}
	}
	if err := s.Signer.SignResponse(&resp); err != nil {
		s.logger().Error("sign response failed", "correlation_id", req.CorrelationID, "error", err)
		return
	}
	if err := conn.WriteFrame(ResponseFrame(resp)); err != nil {
		s.logger().Warn("write response failed", "correlation_id", req.CorrelationID, "error", err)
	}
}

// replayGuard remembers the most recent correlation ids in a fixed ring.
// Ids are only recorded after the MAC checks out, so forged frames cannot
// evict genuine ones.
type replayGuard struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

// first records id and reports whether it had not been seen before.
func (g *replayGuard) first(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ids == nil {
		g.ids = make(map[string]struct{}, replayWindow)
		g.ring = make([]string, replayWindow)
	}
	if _, dup := g.ids[id]; dup {
		return false
	}
	if old := g.ring[g.next]; old != "" {
		delete(g.ids, old)
	}
	g.ring[g.next] = id
	g.next = (g.next + 1) % len(g.ring)
	g.ids[id] = struct{}{}
	return true
}
