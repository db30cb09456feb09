// Package tunnel multiplexes logical channels over a single transport
// connection. One reader goroutine owns the transport's receive side and
// dispatches frames; per-channel pump goroutines carry channel data back
// onto the transport under a shared write mutex, so frames never interleave.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/tunnelbana/internal/channel"
	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/protocol"
)

var (
	// ErrDuplicateChannel is returned by OpenChannel in strict mode when the
	// id is already open.
	ErrDuplicateChannel = errors.New("channel already open")

	// ErrUnknownChannel is returned by CloseChannel in strict mode when the
	// id is neither open nor previously closed.
	ErrUnknownChannel = errors.New("channel not open")

	// ErrTunnelClosed is returned for operations on a closed tunnel.
	ErrTunnelClosed = errors.New("tunnel closed")
)

// Callback is invoked when a channel opens or closes. Open callbacks run on
// the tunnel's reader goroutine for remote opens; handlers that block must
// spawn their own goroutine.
type Callback func(*channel.Channel)

// Options configures a Tunnel.
type Options struct {
	// OnOpen fires whenever a channel is opened, locally or by the peer.
	OnOpen Callback

	// OnClose fires whenever a channel is closed.
	OnClose Callback

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a point-in-time summary of tunnel activity.
type Stats struct {
	OpenChannels   int
	ClosedChannels int
	TxBytes        uint64
	RxBytes        uint64
}

// Tunnel owns a transport connection and the channels multiplexed over it.
type Tunnel struct {
	transport net.Conn

	// writeMu serializes every frame written to the transport.
	writeMu sync.Mutex
	writer  *protocol.FrameWriter
	reader  *protocol.FrameReader

	// mu guards the open and closed registries. The id sets are disjoint:
	// an id moves from open to closed exactly once per lifecycle.
	mu     sync.RWMutex
	open   map[uint16]*channel.Channel
	closed map[uint16]*channel.Channel

	onOpen  Callback
	onClose Callback

	logger *slog.Logger
	mx     *metrics.Metrics

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// New wraps a connected transport and starts the reader loop. The caller
// remains responsible for calling Close (directly or via a signal handler).
func New(transport net.Conn, opts Options) *Tunnel {
	t := &Tunnel{
		transport: transport,
		writer:    protocol.NewFrameWriter(transport),
		reader:    protocol.NewFrameReader(transport),
		open:      make(map[uint16]*channel.Channel),
		closed:    make(map[uint16]*channel.Channel),
		onOpen:    opts.OnOpen,
		onClose:   opts.OnClose,
		logger:    opts.Logger,
		mx:        opts.Metrics,
		done:      make(chan struct{}),
	}
	if t.logger == nil {
		t.logger = logging.NopLogger()
	}
	if t.mx == nil {
		t.mx = metrics.Default()
	}

	go t.readLoop()

	return t
}

// OpenChannel opens a channel with the given id. When the id is already
// open, strict mode fails with ErrDuplicateChannel and non-strict mode
// returns the existing channel. When openRemote is set, an OpenChannel frame
// is sent so the peer mirrors the open.
func (t *Tunnel) OpenChannel(id uint16, openRemote, strict bool) (*channel.Channel, error) {
	t.mu.Lock()
	if existing, ok := t.open[id]; ok {
		t.mu.Unlock()
		t.logger.Warn("attempted to open an already open channel", logging.KeyChannelID, id)
		if strict {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicateChannel, id)
		}
		return existing, nil
	}

	ch := channel.New(id)
	t.open[id] = ch
	// Reopening a previously used id starts a fresh lifecycle.
	delete(t.closed, id)
	t.mu.Unlock()

	go t.pump(ch)

	if openRemote {
		if err := t.sendFrame(protocol.MsgOpenChannel, id, nil); err != nil {
			t.fail(fmt.Errorf("sending open for channel %d: %w", id, err))
			return nil, err
		}
	}

	t.mx.RecordChannelOpen()
	if t.onOpen != nil {
		t.onOpen(ch)
	}
	t.logger.Debug("opened channel", logging.KeyChannelID, id)

	return ch, nil
}

// CloseChannel closes a channel. Already-closed ids are a no-op, except that
// closeRemote still re-emits a CloseChannel frame. Unknown ids fail with
// ErrUnknownChannel in strict mode and log at debug otherwise.
//
// When the channel still has buffered outbound data, the close frame is
// emitted by the channel's pump goroutine after the data has been flushed,
// keeping control frames ordered behind Data frames on the same channel.
func (t *Tunnel) CloseChannel(id uint16, closeRemote, strict bool) error {
	t.mu.Lock()
	if _, wasClosed := t.closed[id]; wasClosed {
		t.mu.Unlock()
		if closeRemote {
			return t.sendClose(id)
		}
		return nil
	}

	ch, ok := t.open[id]
	if !ok {
		t.mu.Unlock()
		if strict {
			return fmt.Errorf("%w: id %d", ErrUnknownChannel, id)
		}
		t.logger.Debug("attempted to close channel that is not open", logging.KeyChannelID, id)
		return nil
	}

	delete(t.open, id)
	t.closed[id] = ch
	t.mu.Unlock()

	if closeRemote {
		if ch.IsClosed() {
			// Endpoints were closed by the application directly, so the pump
			// is already draining (or gone) and won't see the flag in time.
			ch.Close()
			if err := t.sendClose(id); err != nil {
				return err
			}
		} else {
			// The pump flushes buffered data, then emits the close frame.
			ch.SetNotifyRemote(true)
			ch.Close()
		}
	} else {
		ch.Close()
	}

	t.mx.RecordChannelClose()
	if t.onClose != nil {
		t.onClose(ch)
	}
	t.logger.Debug("closed channel",
		logging.KeyChannelID, id,
		"tx", ch.TxBytes(),
		"rx", ch.RxBytes())

	return nil
}

// Close shuts the tunnel down: every open channel is closed with remote
// notification, then the transport is closed and the reader loop exits.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closing.Store(true)

		t.mu.RLock()
		ids := make([]uint16, 0, len(t.open))
		for id := range t.open {
			ids = append(ids, id)
		}
		t.mu.RUnlock()

		for _, id := range ids {
			// Write errors are expected when the transport already died.
			_ = t.CloseChannel(id, true, false)
		}

		t.transport.Close()
	})
	return nil
}

// Wait blocks until the reader loop has exited.
func (t *Tunnel) Wait() {
	<-t.done
}

// Done returns a channel that's closed when the reader loop exits.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the fatal error that tore the tunnel down, or nil after a
// clean Close.
func (t *Tunnel) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Channel returns the open channel with the given id, or nil.
func (t *Tunnel) Channel(id uint16) *channel.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open[id]
}

// IsOpen reports whether the id is currently open.
func (t *Tunnel) IsOpen(id uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.open[id]
	return ok
}

// Channels returns all currently open channels.
func (t *Tunnel) Channels() []*channel.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chs := make([]*channel.Channel, 0, len(t.open))
	for _, ch := range t.open {
		chs = append(chs, ch)
	}
	return chs
}

// Stats summarizes the tunnel, including traffic on closed channels.
func (t *Tunnel) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		OpenChannels:   len(t.open),
		ClosedChannels: len(t.closed),
	}
	for _, ch := range t.open {
		s.TxBytes += ch.TxBytes()
		s.RxBytes += ch.RxBytes()
	}
	for _, ch := range t.closed {
		s.TxBytes += ch.TxBytes()
		s.RxBytes += ch.RxBytes()
	}
	return s
}

// String returns a debug representation.
func (t *Tunnel) String() string {
	s := t.Stats()
	return fmt.Sprintf("Tunnel{open=%d, closed=%d, tx=%d, rx=%d}",
		s.OpenChannels, s.ClosedChannels, s.TxBytes, s.RxBytes)
}

// ============================================================================
// Internals
// ============================================================================

// sendFrame serializes one frame onto the transport. The mutex guarantees
// that neither whole frames nor their bytes interleave.
func (t *Tunnel) sendFrame(msgType protocol.MsgType, id uint16, body []byte) error {
	t.writeMu.Lock()
	err := t.writer.WriteFrame(msgType, id, body)
	t.writeMu.Unlock()

	if err == nil {
		t.mx.RecordFrameSent(msgType.String(), len(body))
	}
	return err
}

func (t *Tunnel) sendClose(id uint16) error {
	t.logger.Debug("sending remote close", logging.KeyChannelID, id)
	return t.sendFrame(protocol.MsgCloseChannel, id, nil)
}

// fail records the first fatal error and tears the tunnel down.
func (t *Tunnel) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()

	reason := "transport"
	switch {
	case errors.Is(err, protocol.ErrTruncated):
		reason = "truncated"
	case errors.Is(err, protocol.ErrInvalidFrame), errors.Is(err, protocol.ErrUnknownFrameType):
		reason = "malformed"
	}
	t.mx.RecordTunnelFailure(reason)

	t.Close()
}

// readLoop is the single consumer of the transport's receive side.
func (t *Tunnel) readLoop() {
	defer close(t.done)

	for {
		frame, err := t.reader.Read()
		if err != nil {
			if t.closing.Load() || err == io.EOF {
				t.logger.Debug("tunnel reader exiting", logging.KeyError, err)
				t.Close()
				return
			}
			t.logger.Error("fatal error reading from transport", logging.KeyError, err)
			t.fail(err)
			return
		}

		t.mx.RecordFrameReceived(frame.Type.String(), len(frame.Body))

		switch frame.Type {
		case protocol.MsgOpenChannel:
			// Local open only; the peer already has its side.
			if _, err := t.OpenChannel(frame.ChannelID, false, false); err != nil {
				t.logger.Warn("remote open failed", logging.KeyChannelID, frame.ChannelID, logging.KeyError, err)
			}

		case protocol.MsgCloseChannel:
			// Local close only, so close frames never echo back and forth.
			// Closing the channel endpoints here guarantees that Data frames
			// for this id arriving later in the stream can no longer reach
			// the application endpoint.
			_ = t.CloseChannel(frame.ChannelID, false, false)

		case protocol.MsgData:
			t.dispatchData(frame)

		case protocol.MsgControl:
			t.logger.Warn("received reserved control frame, discarding",
				logging.KeyChannelID, frame.ChannelID)
		}
	}
}

// dispatchData delivers a Data frame body to its channel's tunnel endpoint.
func (t *Tunnel) dispatchData(frame *protocol.Frame) {
	ch := t.Channel(frame.ChannelID)
	if ch == nil {
		// Unknown or already-closed id: tell the peer to stop sending. The
		// frame goes out directly because CloseChannel has nothing to close.
		t.logger.Debug("data for unknown channel, closing remote",
			logging.KeyChannelID, frame.ChannelID)
		_ = t.sendClose(frame.ChannelID)
		return
	}

	if _, err := ch.TunnelEndpoint().Write(frame.Body); err != nil {
		t.logger.Debug("application side gone, closing channel",
			logging.KeyChannelID, frame.ChannelID, logging.KeyError, err)
		_ = t.CloseChannel(frame.ChannelID, true, false)
	}
}

// pump moves data from one channel's tunnel endpoint onto the transport,
// one Data frame per read. It is the only reader of that endpoint. After the
// channel closes it drains buffered data, then emits the close frame when
// the close requested remote notification.
func (t *Tunnel) pump(ch *channel.Channel) {
	endpoint := ch.TunnelEndpoint()
	buf := make([]byte, protocol.MaxChunkSize)

	for {
		n, err := endpoint.Read(buf)
		if n > 0 {
			if ch.IsClosed() && !ch.NotifyRemote() {
				// Remote-initiated close: the peer is gone, drop the residue.
				return
			}
			if werr := t.sendFrame(protocol.MsgData, ch.ID(), buf[:n]); werr != nil {
				if !t.closing.Load() {
					t.logger.Error("failed writing data frame, tearing tunnel down",
						logging.KeyChannelID, ch.ID(), logging.KeyError, werr)
					t.fail(werr)
				}
				return
			}
		}
		if err != nil {
			switch {
			case ch.NotifyRemote():
				// Flushed; now the close frame may follow.
				_ = t.sendClose(ch.ID())
			case t.IsOpen(ch.ID()):
				// The application closed its endpoint directly.
				t.logger.Debug("channel EOF, closing remotely", logging.KeyChannelID, ch.ID())
				_ = t.CloseChannel(ch.ID(), true, false)
			}
			return
		}
	}
}
