// Package relay implements the relay role: it dials out to a server, then
// serves every channel the server opens by running the SOCKS5 handshake over
// the channel and proxying to the dialed target from this network position.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/tunnelbana/internal/channel"
	"github.com/postalsys/tunnelbana/internal/config"
	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/socks5"
	"github.com/postalsys/tunnelbana/internal/transport"
	"github.com/postalsys/tunnelbana/internal/tunnel"
)

// Relay dials a server and serves its channels.
type Relay struct {
	cfg    *config.Config
	logger *slog.Logger
	mx     *metrics.Metrics

	negotiator *socks5.Negotiator

	tunCh chan *tunnel.Tunnel
}

// New creates a Relay from configuration.
func New(cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if mx == nil {
		mx = metrics.Default()
	}
	return &Relay{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "relay"),
		mx:     mx,
		negotiator: socks5.New(socks5.Options{
			DialTimeout: cfg.Relay.DialTimeout,
			Logger:      logger,
			Metrics:     mx,
		}),
		tunCh: make(chan *tunnel.Tunnel, 1),
	}
}

// Tunnel blocks until the tunnel is established, then returns it. Returns
// nil when ctx is cancelled first.
func (r *Relay) Tunnel(ctx context.Context) *tunnel.Tunnel {
	select {
	case t := <-r.tunCh:
		// Put it back for other callers.
		r.tunCh <- t
		return t
	case <-ctx.Done():
		return nil
	}
}

// Run dials the server and blocks until the tunnel tears down or ctx is
// cancelled. The tunnel is never re-established.
func (r *Relay) Run(ctx context.Context) error {
	kind, err := transport.ParseKind(r.cfg.Relay.Transport)
	if err != nil {
		return err
	}

	opts := transport.Options{
		InsecureSkipVerify: r.cfg.Relay.TLS.InsecureSkipVerify,
		Timeout:            r.cfg.Relay.DialTimeout,
	}
	if kind != transport.KindTCP {
		tlsConfig, err := transport.LoadClientTLSConfig(
			r.cfg.Relay.TLS.CA,
			r.cfg.Relay.TLS.ServerName,
			r.cfg.Relay.TLS.InsecureSkipVerify)
		if err != nil {
			return err
		}
		opts.TLSConfig = tlsConfig
	}

	r.logger.Info("dialing server",
		logging.KeyAddress, r.cfg.Relay.ServerAddress,
		logging.KeyTransport, string(kind))

	conn, err := transport.Dial(ctx, kind, r.cfg.Relay.ServerAddress, opts)
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}

	r.logger.Info("connected", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	// The reader loop starts inside tunnel.New, so the open callback can
	// fire before New returns; sessions wait for the handle before serving.
	ready := make(chan struct{})
	var t *tunnel.Tunnel
	t = tunnel.New(conn, tunnel.Options{
		Logger:  r.logger,
		Metrics: r.mx,
		// The callback fires on the tunnel's reader goroutine; the session
		// work happens on its own goroutine so frame dispatch never blocks
		// behind a handshake or a target dial.
		OnOpen: func(ch *channel.Channel) {
			go func() {
				<-ready
				r.serveChannel(ctx, t, ch)
			}()
		},
	})
	close(ready)

	r.tunCh <- t

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down")
		t.Close()
		t.Wait()
		return ctx.Err()
	case <-t.Done():
		return t.Err()
	}
}

// serveChannel negotiates SOCKS5 over one channel and proxies to the target.
func (r *Relay) serveChannel(ctx context.Context, t *tunnel.Tunnel, ch *channel.Channel) {
	r.mx.RecordSOCKS5Start()
	defer r.mx.RecordSOCKS5End()

	app := ch.Application()

	target, addr, err := r.negotiator.Negotiate(ctx, app)
	if err != nil {
		r.logger.Debug("socks5 negotiation failed",
			logging.KeyChannelID, ch.ID(), logging.KeyError, err)
		_ = t.CloseChannel(ch.ID(), true, false)
		return
	}

	r.logger.Debug("proxying channel",
		logging.KeyChannelID, ch.ID(), logging.KeyAddress, addr)

	start := time.Now()
	tunnel.Proxy(t, ch, target, r.logger)

	r.logger.Debug("session finished",
		logging.KeyChannelID, ch.ID(),
		logging.KeyAddress, addr,
		"duration", time.Since(start).Round(time.Millisecond).String())
}
