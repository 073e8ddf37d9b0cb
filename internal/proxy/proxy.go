// Package proxy implements the bidirectional byte pipe between an
// accepted client connection and a selected peer. One pipe run is one
// request: it ends when the peer finishes its response stream, when
// the client closes, or when the request deadline fires. The client
// connection is left open after a peer-initiated end so the caller can
// route the next request, possibly to a different peer.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Result describes how a pipe run ended.
type Result struct {
	// ClientClosed is true when the client side ended the exchange;
	// the connection cannot serve further requests.
	ClientClosed bool

	// BytesToPeer and BytesToClient count payload bytes moved in each
	// direction.
	BytesToPeer   int64
	BytesToClient int64

	// Err is the peer-side failure that ended the run, nil for a
	// clean end. Deadline violations surface as
	// context.DeadlineExceeded.
	Err error

	// ClientErr is a client-side transport failure. It never feeds
	// peer health tracking.
	ClientErr error
}

// copyBufferSize matches the default io.Copy buffer.
const copyBufferSize = 32 * 1024

// Pipe shuttles bytes between client and upstream until the upstream
// closes, the client closes, or ctx expires. The upstream connection
// is always closed before returning; the client connection is closed
// only when the client itself ended or an error makes it unusable.
func Pipe(ctx context.Context, client, upstream net.Conn) Result {
	var (
		toPeer    atomic.Int64
		toClient  atomic.Int64
		interrupt atomic.Bool
	)

	clientDone := make(chan error, 1)
	upstreamDone := make(chan error, 1)

	// client → upstream
	go func() {
		n, err := io.CopyBuffer(upstream, client, make([]byte, copyBufferSize))
		toPeer.Add(n)
		clientDone <- err
	}()

	// upstream → client
	go func() {
		n, err := io.CopyBuffer(client, upstream, make([]byte, copyBufferSize))
		toClient.Add(n)
		upstreamDone <- err
	}()

	var res Result
	var clientErr, upstreamErr error

	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
		interrupt.Store(true)
		_ = upstream.Close()
		_ = client.SetReadDeadline(time.Now())
		clientErr = <-clientDone
		upstreamErr = <-upstreamDone

	case upstreamErr = <-upstreamDone:
		// Peer finished its stream (or failed). End the request but
		// keep the client for the next one.
		interrupt.Store(true)
		_ = upstream.Close()
		_ = client.SetReadDeadline(time.Now())
		clientErr = <-clientDone

	case clientErr = <-clientDone:
		if clientErr == nil {
			// Client half-closed its write side. Propagate the
			// half-close to the peer and wait for the remaining
			// response bytes under the same deadline.
			res.ClientClosed = true
			closeWrite(upstream)
			select {
			case upstreamErr = <-upstreamDone:
			case <-ctx.Done():
				res.Err = ctx.Err()
				_ = upstream.Close()
				upstreamErr = <-upstreamDone
			}
			_ = upstream.Close()
		} else {
			// Client read/write failed; the connection is unusable.
			res.ClientClosed = true
			interrupt.Store(true)
			_ = upstream.Close()
			upstreamErr = <-upstreamDone
		}
	}

	// Clear the interrupt deadline so the caller can reuse the client.
	_ = client.SetReadDeadline(time.Time{})

	res.BytesToPeer = toPeer.Load()
	res.BytesToClient = toClient.Load()

	if res.Err == nil {
		res.Err = realError(upstreamErr, interrupt.Load())
	}
	if cerr := realError(clientErr, interrupt.Load()); cerr != nil {
		res.ClientClosed = true
		res.ClientErr = cerr
	}

	return res
}

// closeWrite half-closes the write side when the transport supports it.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// realError filters out the errors produced by our own interrupt:
// deadline errors after interrupt and use-of-closed after we closed
// the upstream.
func realError(err error, interrupted bool) error {
	if err == nil || !interrupted {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
