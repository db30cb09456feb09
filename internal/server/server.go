// Package server implements the server role: it waits for a single relay on
// the tunnel address, then accepts SOCKS5 clients locally and streams their
// raw handshake and payload bytes through per-client channels. The server
// never interprets SOCKS5 itself; negotiation happens on the relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/tunnelbana/internal/channel"
	"github.com/postalsys/tunnelbana/internal/config"
	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/transport"
	"github.com/postalsys/tunnelbana/internal/tunnel"
)

// ErrNoFreeChannelIDs is returned when all 65536 channel ids are open.
var ErrNoFreeChannelIDs = errors.New("no free channel ids")

// selfSignedValidity is the lifetime of a generated development certificate.
const selfSignedValidity = 365 * 24 * time.Hour

// Server runs the tunnel and SOCKS5 listeners.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	mx     *metrics.Metrics

	ids idAllocator

	mu         sync.Mutex
	tun        *tunnel.Tunnel
	tunnelAddr net.Addr
	socksAddr  net.Addr

	readyCh chan struct{}
}

// New creates a Server from configuration.
func New(cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if mx == nil {
		mx = metrics.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "server"),
		mx:      mx,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once both listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// TunnelAddr returns the bound tunnel listener address, nil before Ready.
func (s *Server) TunnelAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnelAddr
}

// SOCKSAddr returns the bound SOCKS5 listener address, nil before Ready.
func (s *Server) SOCKSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socksAddr
}

// Tunnel returns the active tunnel, or nil before a relay has connected.
func (s *Server) Tunnel() *tunnel.Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tun
}

// Run blocks until the tunnel tears down or ctx is cancelled. The tunnel is
// never re-established: when the relay goes away, Run returns.
func (s *Server) Run(ctx context.Context) error {
	kind, err := transport.ParseKind(s.cfg.Server.Transport)
	if err != nil {
		return err
	}

	opts, err := s.listenOptions(kind)
	if err != nil {
		return err
	}

	tunnelLn, err := transport.Listen(kind, s.cfg.Server.TunnelAddress, opts)
	if err != nil {
		return fmt.Errorf("tunnel listen: %w", err)
	}
	defer tunnelLn.Close()

	socksLn, err := net.Listen("tcp", s.cfg.Server.SOCKSAddress)
	if err != nil {
		return fmt.Errorf("socks listen: %w", err)
	}
	defer socksLn.Close()

	s.mu.Lock()
	s.tunnelAddr = tunnelLn.Addr()
	s.socksAddr = socksLn.Addr()
	s.mu.Unlock()
	close(s.readyCh)

	s.logger.Info("waiting for relay",
		logging.KeyAddress, tunnelLn.Addr().String(),
		logging.KeyTransport, string(kind))

	conn, err := tunnelLn.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accepting relay: %w", err)
	}
	// Exactly one relay per process lifetime.
	tunnelLn.Close()

	s.logger.Info("relay connected", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	t := tunnel.New(conn, tunnel.Options{
		Logger:  s.logger,
		Metrics: s.mx,
	})

	s.mu.Lock()
	s.tun = t
	s.mu.Unlock()

	go s.acceptClients(ctx, t, socksLn)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		t.Close()
		t.Wait()
		return ctx.Err()
	case <-t.Done():
		socksLn.Close()
		return t.Err()
	}
}

// acceptClients takes SOCKS5 clients off the local listener and binds each
// to a fresh channel.
func (s *Server) acceptClients(ctx context.Context, t *tunnel.Tunnel, ln net.Listener) {
	var limiter *rate.Limiter
	if s.cfg.Server.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Server.AcceptRate), s.cfg.Server.AcceptBurst)
	}

	s.logger.Info("accepting socks5 clients", logging.KeyAddress, ln.Addr().String())

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during teardown.
			return
		}

		ch, err := s.openClientChannel(t)
		if err != nil {
			s.logger.Warn("cannot open channel for client",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(), logging.KeyError, err)
			conn.Close()
			continue
		}

		s.logger.Debug("socks5 client connected",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyChannelID, ch.ID())

		go func() {
			s.mx.RecordSOCKS5Start()
			defer s.mx.RecordSOCKS5End()
			tunnel.Proxy(t, ch, conn, s.logger)
		}()
	}
}

// openClientChannel allocates an id and opens it strictly with remote
// notification so the relay mirrors the open.
func (s *Server) openClientChannel(t *tunnel.Tunnel) (*channel.Channel, error) {
	id, err := s.ids.next(t)
	if err != nil {
		return nil, err
	}
	return t.OpenChannel(id, true, true)
}

// listenOptions builds the transport options, generating a self-signed
// certificate when the transport needs TLS and none is configured.
func (s *Server) listenOptions(kind transport.Kind) (transport.Options, error) {
	var opts transport.Options
	if kind == transport.KindTCP {
		s.logger.Warn("tunnel transport is plain tcp, relay traffic is not encrypted")
		return opts, nil
	}

	if s.cfg.Server.TLS.Cert != "" {
		tlsConfig, err := transport.LoadTLSConfig(s.cfg.Server.TLS.Cert, s.cfg.Server.TLS.Key)
		if err != nil {
			return opts, err
		}
		opts.TLSConfig = tlsConfig
		return opts, nil
	}

	s.logger.Warn("no certificate configured, generating self-signed certificate")
	certPEM, keyPEM, err := transport.GenerateSelfSignedCert("tunnelbana", selfSignedValidity)
	if err != nil {
		return opts, err
	}
	tlsConfig, err := transport.TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		return opts, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

// idAllocator hands out channel ids from a monotonically increasing counter,
// skipping ids that are still open and wrapping at 65536.
type idAllocator struct {
	mu      sync.Mutex
	counter uint16
}

func (a *idAllocator) next(t *tunnel.Tunnel) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for tries := 0; tries < 1<<16; tries++ {
		id := a.counter
		a.counter++
		if !t.IsOpen(id) {
			return id, nil
		}
	}
	return 0, ErrNoFreeChannelIDs
}
