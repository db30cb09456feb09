// Package integration exercises a full server + relay pair in-process: a
// stock SOCKS5 client talks to the server's SOCKS listener and reaches an
// echo target through the relay.
package integration

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/postalsys/tunnelbana/internal/config"
	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/relay"
	"github.com/postalsys/tunnelbana/internal/server"
)

// startEcho runs a TCP echo server for the relay to dial.
func startEcho(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln
}

// startPair brings up a server and a connected relay over plain TCP and
// returns the server's SOCKS address.
func startPair(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srvCfg := config.Default()
	srvCfg.Server.TunnelAddress = "127.0.0.1:0"
	srvCfg.Server.SOCKSAddress = "127.0.0.1:0"
	srvCfg.Server.Transport = "tcp"

	srv := server.New(srvCfg, logging.NopLogger(), metrics.New())
	go srv.Run(ctx)

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not bind its listeners")
	}

	relayCfg := config.Default()
	relayCfg.Relay.ServerAddress = srv.TunnelAddr().String()
	relayCfg.Relay.Transport = "tcp"
	relayCfg.Relay.DialTimeout = 5 * time.Second

	r := relay.New(relayCfg, logging.NopLogger(), metrics.New())
	go r.Run(ctx)

	if r.Tunnel(ctx) == nil {
		t.Fatal("relay did not establish a tunnel")
	}

	// The server registers its tunnel once the relay connection is accepted.
	deadline := time.Now().Add(5 * time.Second)
	for srv.Tunnel() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Tunnel() == nil {
		t.Fatal("server did not accept the relay")
	}

	return srv.SOCKSAddr().String()
}

func TestEndToEnd_Echo(t *testing.T) {
	echo := startEcho(t)
	socksAddr := startPair(t)

	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		t.Fatalf("building socks5 dialer: %v", err)
	}

	conn, err := dialer.Dial("tcp", echo.Addr().String())
	if err != nil {
		t.Fatalf("dialing through proxy: %v", err)
	}
	defer conn.Close()

	msg := []byte("tunnel me")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write through proxy: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read through proxy: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Errorf("echo = %q, want %q", buf[:n], msg)
	}
}

func TestEndToEnd_ConcurrentSessions(t *testing.T) {
	echo := startEcho(t)
	socksAddr := startPair(t)

	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		t.Fatalf("building socks5 dialer: %v", err)
	}

	const sessions = 8
	var wg sync.WaitGroup
	errs := make(chan error, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			conn, err := dialer.Dial("tcp", echo.Addr().String())
			if err != nil {
				errs <- fmt.Errorf("session %d dial: %w", i, err)
				return
			}
			defer conn.Close()

			msg := []byte(fmt.Sprintf("session-%d-payload", i))
			if _, err := conn.Write(msg); err != nil {
				errs <- fmt.Errorf("session %d write: %w", i, err)
				return
			}

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, 64)
			n, err := conn.Read(buf)
			if err != nil {
				errs <- fmt.Errorf("session %d read: %w", i, err)
				return
			}
			if string(buf[:n]) != string(msg) {
				errs <- fmt.Errorf("session %d echo = %q, want %q", i, buf[:n], msg)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestEndToEnd_DialFailure(t *testing.T) {
	socksAddr := startPair(t)

	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		t.Fatalf("building socks5 dialer: %v", err)
	}

	// Nothing listens here; the relay's dial fails and the proxy client
	// surfaces the SOCKS5 error reply.
	if conn, err := dialer.Dial("tcp", "127.0.0.1:1"); err == nil {
		conn.Close()
		t.Error("dial to closed port through proxy succeeded, want error")
	}
}
