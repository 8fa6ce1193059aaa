package transport

import (
	"context"
	"net"
)

// Loopback runs srv in-process on one end of a net.Pipe and returns a Mux
// on the other end. The server stops when ctx is cancelled or the mux is
// closed.
func Loopback(ctx context.Context, srv *Server, codec Codec, onReject RejectFunc) *Mux {
	if codec == nil {
		codec = CBOR{}
	}
	srv.Codec = codec
	client, server := net.Pipe()
	go func() {
		_ = srv.ServeConn(ctx, server)
	}()
	return NewMux(NewConn(client, codec), srv.Signer, onReject)
}
