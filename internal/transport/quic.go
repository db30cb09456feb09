package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicMaxIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
		// One bidirectional stream carries the whole frame protocol;
		// channel multiplexing happens above QUIC, not in it.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

// streamPreamble is the byte the dialer sends right after opening its
// stream. QUIC announces a stream to the peer only once data flows on it, so
// without the preamble the acceptor would block until the first tunnel frame
// arrives, which may never happen on the dial side.
const streamPreamble = 0x00

// dialQUIC connects over QUIC and opens the single stream the tunnel runs on.
func dialQUIC(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(opts), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic stream open failed: %w", err)
	}

	if _, err := stream.Write([]byte{streamPreamble}); err != nil {
		conn.CloseWithError(0, "preamble write failed")
		return nil, fmt.Errorf("quic preamble write failed: %w", err)
	}

	return &quicStreamConn{conn: conn, stream: stream}, nil
}

// listenQUIC creates a QUIC listener whose Accept waits for the dialer's
// stream before handing the connection up.
func listenQUIC(addr string, opts Options) (Listener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for quic listener")
	}

	tlsConfig := opts.TLSConfig
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen failed: %w", err)
	}

	return &quicListener{listener: listener}, nil
}

type quicListener struct {
	listener *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, fmt.Errorf("quic stream accept failed: %w", err)
	}

	var preamble [1]byte
	if _, err := io.ReadFull(stream, preamble[:]); err != nil {
		conn.CloseWithError(0, "preamble read failed")
		return nil, fmt.Errorf("quic preamble read failed: %w", err)
	}
	if preamble[0] != streamPreamble {
		conn.CloseWithError(0, "bad preamble")
		return nil, fmt.Errorf("quic preamble mismatch: 0x%02x", preamble[0])
	}

	return &quicStreamConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() error {
	return l.listener.Close()
}

// quicStreamConn presents a QUIC connection's single stream as a net.Conn.
// Closing it tears down the whole QUIC connection.
type quicStreamConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicStreamConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicStreamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicStreamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
