// Package channel implements the logical byte streams multiplexed over a
// tunnel. A Channel is a locally-connected, bidirectional in-process pipe
// with two endpoints: the tunnel loop owns one, application code (SOCKS
// negotiation, proxy workers) owns the other.
package channel

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// bufferedChunks is the per-direction pipe capacity in chunks. Combined with
// the 4 KiB chunk size this bounds each direction at 256 KiB, comparable to
// a kernel socket pair. Writers block when the buffer is full.
const bufferedChunks = 64

// Channel is one logical stream inside a tunnel, identified by a 16-bit id.
type Channel struct {
	id uint16

	appToTunnel *pipe
	tunnelToApp *pipe

	// The endpoints are built once so per-frame dispatch never allocates.
	tunnelEnd *endpoint
	appEnd    *endpoint

	// done is shared by both pipes; closing it tears down the whole channel.
	done      chan struct{}
	closeOnce sync.Once

	// Counters track application-side I/O.
	tx atomic.Uint64
	rx atomic.Uint64

	// notifyRemote marks that the peer must be told about this channel's
	// close. The tunnel sets it before closing so its pump goroutine can
	// flush buffered data and then emit the close frame in order.
	notifyRemote atomic.Bool
}

// New creates a channel with connected tunnel and application endpoints.
func New(id uint16) *Channel {
	c := &Channel{
		id:   id,
		done: make(chan struct{}),
	}
	c.appToTunnel = newPipe(c.done)
	c.tunnelToApp = newPipe(c.done)
	c.tunnelEnd = &endpoint{
		ch:    c,
		read:  c.appToTunnel,
		write: c.tunnelToApp,
		name:  "tunnel",
	}
	c.appEnd = &endpoint{
		ch:    c,
		read:  c.tunnelToApp,
		write: c.appToTunnel,
		name:  "app",
		txCtr: &c.tx,
		rxCtr: &c.rx,
	}
	return c
}

// ID returns the channel identifier.
func (c *Channel) ID() uint16 {
	return c.id
}

// TunnelEndpoint returns the half used exclusively by the tunnel loop. Every
// call returns the same instance.
func (c *Channel) TunnelEndpoint() net.Conn {
	return c.tunnelEnd
}

// Application returns the half used by application code. Successful reads
// and writes on it update the channel's rx/tx counters. Every call returns
// the same instance.
func (c *Channel) Application() net.Conn {
	return c.appEnd
}

// Send writes data on the application endpoint, blocking until the pipe
// accepts it. Returns io.ErrClosedPipe after the channel is closed.
func (c *Channel) Send(data []byte) error {
	n, err := c.appToTunnel.Write(data)
	c.tx.Add(uint64(n))
	return err
}

// Recv reads up to len(p) bytes from the application endpoint. A clean close
// drains buffered data first, then returns io.EOF.
func (c *Channel) Recv(p []byte) (int, error) {
	n, err := c.tunnelToApp.Read(p)
	c.rx.Add(uint64(n))
	return n, err
}

// Close tears down both endpoints. Blocked readers observe EOF once
// buffered data is drained; blocked writers fail immediately.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// IsClosed reports whether the channel has been closed.
func (c *Channel) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that's closed when the Channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// SetNotifyRemote records whether the peer must be notified of the close.
func (c *Channel) SetNotifyRemote(v bool) {
	c.notifyRemote.Store(v)
}

// NotifyRemote reports whether the peer must be notified of the close.
func (c *Channel) NotifyRemote() bool {
	return c.notifyRemote.Load()
}

// TxBytes returns the bytes written by the application side.
func (c *Channel) TxBytes() uint64 {
	return c.tx.Load()
}

// RxBytes returns the bytes read by the application side.
func (c *Channel) RxBytes() uint64 {
	return c.rx.Load()
}

// String returns a debug representation.
func (c *Channel) String() string {
	return fmt.Sprintf("Channel{id=%d, tx=%d, rx=%d}", c.id, c.TxBytes(), c.RxBytes())
}

// ============================================================================
// Buffered pipe
// ============================================================================

// pipe is one direction of the channel: a bounded queue of byte chunks.
// Reads keep an unconsumed remainder so callers may read with any buffer
// size; after close, buffered chunks are drained before EOF is reported.
type pipe struct {
	chunks  chan []byte
	done    chan struct{}
	pending []byte
}

func newPipe(done chan struct{}) *pipe {
	return &pipe{
		chunks: make(chan []byte, bufferedChunks),
		done:   done,
	}
}

func (p *pipe) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}

	// Buffered data has priority over close.
	select {
	case chunk := <-p.chunks:
		n := copy(b, chunk)
		p.pending = chunk[n:]
		return n, nil
	default:
	}

	select {
	case chunk := <-p.chunks:
		n := copy(b, chunk)
		p.pending = chunk[n:]
		return n, nil
	case <-p.done:
		// Drain anything queued between the selects.
		select {
		case chunk := <-p.chunks:
			n := copy(b, chunk)
			p.pending = chunk[n:]
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

func (p *pipe) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}

	// The caller may reuse b after Write returns.
	chunk := make([]byte, len(b))
	copy(chunk, b)

	select {
	case p.chunks <- chunk:
		return len(b), nil
	case <-p.done:
		return 0, io.ErrClosedPipe
	}
}

// ============================================================================
// Endpoint
// ============================================================================

// endpoint adapts one side of a channel to net.Conn.
type endpoint struct {
	ch    *Channel
	read  *pipe
	write *pipe
	name  string

	txCtr *atomic.Uint64
	rxCtr *atomic.Uint64
}

func (e *endpoint) Read(b []byte) (int, error) {
	n, err := e.read.Read(b)
	if e.rxCtr != nil {
		e.rxCtr.Add(uint64(n))
	}
	return n, err
}

func (e *endpoint) Write(b []byte) (int, error) {
	n, err := e.write.Write(b)
	if e.txCtr != nil {
		e.txCtr.Add(uint64(n))
	}
	return n, err
}

// Close tears down the whole channel: the peer endpoint observes EOF.
func (e *endpoint) Close() error {
	return e.ch.Close()
}

func (e *endpoint) LocalAddr() net.Addr  { return addr{e.ch.id, e.name} }
func (e *endpoint) RemoteAddr() net.Addr { return addr{e.ch.id, e.name} }

// Deadlines are not supported on in-process channel endpoints.
func (e *endpoint) SetDeadline(time.Time) error      { return nil }
func (e *endpoint) SetReadDeadline(time.Time) error  { return nil }
func (e *endpoint) SetWriteDeadline(time.Time) error { return nil }

type addr struct {
	id   uint16
	side string
}

func (a addr) Network() string { return "channel" }
func (a addr) String() string  { return fmt.Sprintf("channel:%d/%s", a.id, a.side) }
