package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const writeTimeout = 10 * time.Second

// Conn carries frames over any net.Conn: unix sockets, loopback TCP or an
// in-memory pipe. Writes are serialized; reads must come from one goroutine.
type Conn struct {
	raw   net.Conn
	codec Codec
	enc   FrameEncoder
	dec   FrameDecoder
	wmu   sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(raw net.Conn, codec Codec) *Conn {
	if codec == nil {
		codec = CBOR{}
	}
	return &Conn{
		raw:   raw,
		codec: codec,
		enc:   codec.NewEncoder(raw),
		dec:   codec.NewDecoder(raw),
	}
}

// Dial connects to an executor endpoint.
func Dial(ctx context.Context, network, address string, codec Codec) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, opError("dial", err)
	}
	return NewConn(raw, codec), nil
}

// Listen opens a listener, removing a stale unix socket first.
func Listen(network, address string) (net.Listener, error) {
	if strings.HasPrefix(network, "unix") {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", address, err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", network, address, err)
	}
	return ln, nil
}

// WriteFrame encodes one frame.
func (c *Conn) WriteFrame(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.raw.SetWriteDeadline(time.Time{})
	if err := c.enc.Encode(f); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return err
		}
		return opError("write", err)
	}
	return nil
}

// ReadFrame decodes the next frame. ErrMalformedFrame errors leave the
// stream usable; anything else means the connection is gone.
func (c *Conn) ReadFrame() (Frame, error) {
	f, err := c.dec.Decode()
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return Frame{}, err
		}
		return Frame{}, opError("read", err)
	}
	return f, nil
}

// Codec returns the codec in use.
func (c *Conn) Codec() Codec {
	return c.codec
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
