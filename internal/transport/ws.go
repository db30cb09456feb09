package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath      = "/tunnel"
	wsDefaultReadLimit = 16 * 1024 * 1024
)

// dialWebSocket connects to a WebSocket endpoint and returns the connection
// as a net.Conn carrying binary messages.
func dialWebSocket(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	wsURL := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		path := opts.Path
		if path == "" {
			path = wsDefaultPath
		}
		wsURL = fmt.Sprintf("wss://%s%s", addr, path)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: clientTLSConfig(opts),
		},
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

// listenWebSocket starts an HTTPS server whose upgrade handler feeds
// connections into the listener's Accept.
func listenWebSocket(addr string, opts Options) (Listener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for ws listener")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	l := &wsListener{
		path:    path,
		connCh:  make(chan net.Conn),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)

	netLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen failed: %w", err)
	}
	l.netLn = netLn
	l.server = &http.Server{
		Handler:   mux,
		TLSConfig: opts.TLSConfig,
	}

	go l.server.ServeTLS(netLn, "", "")

	return l, nil
}

type wsListener struct {
	path    string
	server  *http.Server
	netLn   net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	netConn := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	// Accept hijacks the underlying socket, so returning from the handler
	// leaves the connection alive.
	select {
	case l.connCh <- netConn:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.netLn.Addr()
}

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}
