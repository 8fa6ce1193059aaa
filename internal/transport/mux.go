package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Executor is the broker's view of the hands for one session. Exactly one
// request is in flight per session.
type Executor interface {
	Send(ctx context.Context, req Request) error
	Receive(ctx context.Context) (Response, error)
}

// Killer forwards kill switch engagement to executors.
type Killer interface {
	Kill(reason string) error
}

// ErrClosed is returned after the mux has shut down.
var ErrClosed = errors.New("transport closed")

// RejectFunc observes responses the mux refused to route.
type RejectFunc func(resp Response, reason string)

// Mux shares one executor connection among sessions. Responses are routed
// by correlation id; responses with an unknown id or a bad MAC are dropped.
type Mux struct {
	conn     *Conn
	signer   *Signer
	onReject RejectFunc

	mu       sync.Mutex
	routes   map[string]*Channel
	channels map[string]*Channel
	closed   chan struct{}
	err      error
	once     sync.Once
}

// NewMux starts routing responses from conn.
func NewMux(conn *Conn, signer *Signer, onReject RejectFunc) *Mux {
	m := &Mux{
		conn:     conn,
		signer:   signer,
		onReject: onReject,
		routes:   map[string]*Channel{},
		channels: map[string]*Channel{},
		closed:   make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Session returns the executor channel for a session, creating it once.
func (m *Mux) Session(sessionID string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[sessionID]; ok {
		return ch
	}
	ch := &Channel{mux: m, sessionID: sessionID, responses: make(chan Response, 1)}
	m.channels[sessionID] = ch
	return ch
}

// Kill broadcasts a kill control frame. It does not wait for executors.
func (m *Mux) Kill(reason string) error {
	c := Control{Type: ControlKill, Reason: reason}
	if err := m.signer.SignControl(&c); err != nil {
		return err
	}
	return m.conn.WriteFrame(ControlFrame(c))
}

// Done is closed when the connection is lost or Close is called.
func (m *Mux) Done() <-chan struct{} {
	return m.closed
}

// Err returns the reason the mux stopped.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close stops the mux and closes the connection.
func (m *Mux) Close() error {
	m.shutdown(ErrClosed)
	return m.conn.Close()
}

func (m *Mux) shutdown(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.closed)
	})
}

func (m *Mux) readLoop() {
	for {
		f, err := m.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				slog.Warn("transport dropped malformed frame", "error", err)
				continue
			}
			m.shutdown(err)
			return
		}
		if f.Type != FrameResponse {
			slog.Warn("transport ignored unexpected frame", "type", string(f.Type))
			continue
		}
		m.route(*f.Response)
	}
}

func (m *Mux) route(resp Response) {
	if err := m.signer.VerifyResponse(resp); err != nil {
		m.reject(resp, err.Error())
		return
	}
	m.mu.Lock()
	ch, ok := m.routes[resp.CorrelationID]
	if ok {
		delete(m.routes, resp.CorrelationID)
		if ch.inflight == resp.CorrelationID {
			ch.inflight = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		m.reject(resp, "unknown correlation id")
		return
	}
	select {
	case ch.responses <- resp:
	default:
		m.reject(resp, "session channel full")
	}
}

func (m *Mux) reject(resp Response, reason string) {
	slog.Warn("transport rejected response", "correlation_id", resp.CorrelationID, "reason", reason)
	if m.onReject != nil {
		m.onReject(resp, reason)
	}
}

// Channel is the per-session Executor backed by a Mux.
type Channel struct {
	mux       *Mux
	sessionID string
	responses chan Response
	inflight  string
}

// Send signs and writes a request. A request still awaiting its response is
// abandoned: a late answer for it will be dropped as unknown.
func (c *Channel) Send(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return opError("send", err)
	}
	select {
	case <-c.mux.closed:
		return opError("send", c.mux.Err())
	default:
	}
	req.SessionID = c.sessionID
	if err := c.mux.signer.SignRequest(&req); err != nil {
		return opError("sign", err)
	}

	c.mux.mu.Lock()
	if c.inflight != "" {
		delete(c.mux.routes, c.inflight)
	}
	c.inflight = req.CorrelationID
	c.mux.routes[req.CorrelationID] = c
	c.mux.mu.Unlock()

	// Drain a response that arrived after its request was abandoned.
	select {
	case <-c.responses:
	default:
	}

	if err := c.mux.conn.WriteFrame(RequestFrame(req)); err != nil {
		c.mux.mu.Lock()
		delete(c.mux.routes, req.CorrelationID)
		c.inflight = ""
		c.mux.mu.Unlock()
		return err
	}
	return nil
}

// Receive waits for the next routed response.
func (c *Channel) Receive(ctx context.Context) (Response, error) {
	select {
	case resp := <-c.responses:
		return resp, nil
	case <-ctx.Done():
		return Response{}, opError("receive", ctx.Err())
	case <-c.mux.closed:
		return Response{}, opError("receive", c.mux.Err())
	}
}

// Kill forwards to the shared connection.
func (c *Channel) Kill(reason string) error {
	return c.mux.Kill(reason)
}

// Close forgets the session.
func (c *Channel) Close() {
	c.mux.mu.Lock()
	defer c.mux.mu.Unlock()
	if c.inflight != "" {
		delete(c.mux.routes, c.inflight)
	}
	delete(c.mux.channels, c.sessionID)
}
