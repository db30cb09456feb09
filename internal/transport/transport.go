// Package transport provides the network transports a tunnel can run over:
// plain TCP, TLS, WebSocket and QUIC. Every transport is reduced to a single
// net.Conn carrying the frame stream, so the tunnel layer never cares which
// one is underneath.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Kind identifies the transport protocol.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
)

// ParseKind validates a transport name from configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTCP, KindTLS, KindWebSocket, KindQUIC:
		return Kind(s), nil
	case "":
		return KindTLS, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// DefaultDialTimeout bounds a dial when Options.Timeout is unset.
const DefaultDialTimeout = 30 * time.Second

// Options configures dialing and listening.
type Options struct {
	// TLSConfig is used by the tls, ws and quic transports. Listeners
	// require it (except plain tcp); dialers fall back to a verification
	// config, or an insecure one when InsecureSkipVerify is set.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables server certificate verification on dial.
	InsecureSkipVerify bool

	// Timeout bounds the dial. Defaults to DefaultDialTimeout.
	Timeout time.Duration

	// Path is the HTTP path for the WebSocket transport.
	Path string
}

// Listener accepts tunnel transport connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Dial connects to addr over the given transport kind.
func Dial(ctx context.Context, kind Kind, addr string, opts Options) (net.Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	switch kind {
	case KindTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case KindTLS:
		return dialTLS(ctx, addr, opts)
	case KindWebSocket:
		return dialWebSocket(ctx, addr, opts)
	case KindQUIC:
		return dialQUIC(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Listen creates a listener for the given transport kind.
func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	switch kind {
	case KindTCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen failed: %w", err)
		}
		return newNetListener(ln), nil
	case KindTLS:
		if opts.TLSConfig == nil {
			return nil, fmt.Errorf("TLS config required for tls listener")
		}
		ln, err := tls.Listen("tcp", addr, opts.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("tls listen failed: %w", err)
		}
		return newNetListener(ln), nil
	case KindWebSocket:
		return listenWebSocket(addr, opts)
	case KindQUIC:
		return listenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// netListener adapts a net.Listener to context-aware Accept. A background
// loop feeds accepted connections into a channel so Accept can observe
// cancellation.
type netListener struct {
	ln      net.Listener
	connCh  chan net.Conn
	errCh   chan error
	closeCh chan struct{}
	closed  atomic.Bool
}

func newNetListener(ln net.Listener) *netListener {
	l := &netListener{
		ln:      ln,
		connCh:  make(chan net.Conn),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

func (l *netListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case l.errCh <- err:
			case <-l.closeCh:
			}
			return
		}
		select {
		case l.connCh <- conn:
		case <-l.closeCh:
			// Nobody is going to call Accept again; don't strand the socket.
			conn.Close()
			return
		}
	}
}

func (l *netListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *netListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *netListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.ln.Close()
}

// dialTLS connects over TLS, deriving a config when none was provided.
func dialTLS(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	cfg := clientTLSConfig(opts)
	d := tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial failed: %w", err)
	}
	return conn, nil
}

// clientTLSConfig returns the dial-side TLS config, cloned so NextProtos and
// verification settings never mutate the caller's config.
func clientTLSConfig(opts Options) *tls.Config {
	var cfg *tls.Config
	if opts.TLSConfig != nil {
		cfg = opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if opts.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPNProtocol}
	}
	return cfg
}
