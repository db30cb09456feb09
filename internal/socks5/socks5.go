// Package socks5 implements the server side of the SOCKS5 CONNECT handshake
// per RFC 1928. The negotiator runs over any net.Conn, which on a relay is a
// tunnel channel endpoint rather than a TCP socket: the client's handshake
// bytes arrive through the tunnel and the target connection is dialed from
// the relay's network position.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// maxMessageSize bounds a single handshake read. Greeting and request both
// fit comfortably; anything larger is not a SOCKS5 handshake.
const maxMessageSize = 4096

// DefaultDialTimeout bounds the target dial when no timeout is configured.
const DefaultDialTimeout = 30 * time.Second

var (
	// ErrBadRequest is returned for malformed or non-CONNECT requests.
	ErrBadRequest = errors.New("bad socks5 request")

	// ErrUnsupportedAddrType is returned for address types other than IPv4,
	// IPv6 and domain.
	ErrUnsupportedAddrType = errors.New("unsupported address type")
)

// Dialer makes outbound connections to SOCKS5 targets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to targets from the local network position.
type DirectDialer struct{}

// DialContext makes a direct connection with context support.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// Options configures a Negotiator.
type Options struct {
	// Dialer connects to targets. Defaults to DirectDialer.
	Dialer Dialer

	// DialTimeout bounds each target dial. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Negotiator performs SOCKS5 CONNECT handshakes.
type Negotiator struct {
	dialer      Dialer
	dialTimeout time.Duration
	logger      *slog.Logger
	mx          *metrics.Metrics
}

// New creates a Negotiator.
func New(opts Options) *Negotiator {
	n := &Negotiator{
		dialer:      opts.Dialer,
		dialTimeout: opts.DialTimeout,
		logger:      opts.Logger,
		mx:          opts.Metrics,
	}
	if n.dialer == nil {
		n.dialer = &DirectDialer{}
	}
	if n.dialTimeout <= 0 {
		n.dialTimeout = DefaultDialTimeout
	}
	if n.logger == nil {
		n.logger = logging.NopLogger()
	}
	if n.mx == nil {
		n.mx = metrics.Default()
	}
	return n
}

// Negotiate runs the handshake on conn: method selection, CONNECT request,
// target dial and reply. On success it returns the target connection and
// address; the caller owns both conn and the returned connection.
//
// Only the no-authentication method is offered and only CONNECT is accepted.
func (n *Negotiator) Negotiate(ctx context.Context, conn net.Conn) (net.Conn, string, error) {
	buf := make([]byte, maxMessageSize)

	// Method selection. The client's greeting is consumed as one message and
	// answered with "no authentication required" regardless of the methods
	// offered; clients that required auth will abort on their own.
	cnt, err := conn.Read(buf)
	if err != nil {
		return nil, "", fmt.Errorf("reading greeting: %w", err)
	}
	if cnt == 0 {
		return nil, "", fmt.Errorf("%w: empty greeting", ErrBadRequest)
	}
	if _, err := conn.Write([]byte{SOCKS5Version, 0x00}); err != nil {
		return nil, "", fmt.Errorf("writing method selection: %w", err)
	}

	// Request.
	cnt, err = conn.Read(buf)
	if err != nil {
		return nil, "", fmt.Errorf("reading request: %w", err)
	}
	req := buf[:cnt]

	if len(req) < 10 || req[0] != SOCKS5Version || req[1] != CmdConnect {
		n.mx.RecordBadRequest()
		n.writeShortReply(conn, ReplyServerFailure)
		return nil, "", ErrBadRequest
	}

	network, target, err := parseTarget(req)
	if err != nil {
		n.mx.RecordBadRequest()
		if errors.Is(err, ErrUnsupportedAddrType) {
			n.writeShortReply(conn, ReplyAddrNotSupported)
		} else {
			n.writeShortReply(conn, ReplyServerFailure)
		}
		return nil, "", err
	}

	// The reply address type follows the address family actually dialed, so
	// domain targets report an IPv4 bound address.
	atyp := byte(AddrTypeIPv4)
	if network == "tcp6" {
		atyp = AddrTypeIPv6
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.dialTimeout)
	defer cancel()

	targetConn, err := n.dialer.DialContext(dialCtx, network, target)
	if err != nil {
		n.mx.RecordDialError()
		n.logger.Debug("target dial failed",
			logging.KeyAddress, target, logging.KeyError, err)
		n.sendReply(conn, ReplyConnectionRefused, atyp, nil, 0)
		return nil, "", fmt.Errorf("dialing %s: %w", target, err)
	}

	boundIP, boundPort := localAddr(targetConn)
	if err := n.sendReply(conn, ReplySucceeded, atyp, boundIP, boundPort); err != nil {
		targetConn.Close()
		return nil, "", fmt.Errorf("writing reply: %w", err)
	}

	n.logger.Debug("socks5 connect established", logging.KeyAddress, target)

	return targetConn, target, nil
}

// parseTarget extracts the network and host:port from a CONNECT request.
// Domain names are resolved by the dialer over IPv4.
func parseTarget(req []byte) (network, target string, err error) {
	switch req[3] {
	case AddrTypeIPv4:
		if len(req) < 10 {
			return "", "", fmt.Errorf("%w: short ipv4 request", ErrBadRequest)
		}
		ip := net.IP(req[4:8])
		port := binary.BigEndian.Uint16(req[8:10])
		return "tcp4", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), nil

	case AddrTypeDomain:
		alen := int(req[4])
		if len(req) < 5+alen+2 {
			return "", "", fmt.Errorf("%w: short domain request", ErrBadRequest)
		}
		host := string(req[5 : 5+alen])
		port := binary.BigEndian.Uint16(req[5+alen : 5+alen+2])
		return "tcp4", net.JoinHostPort(host, strconv.Itoa(int(port))), nil

	case AddrTypeIPv6:
		if len(req) < 22 {
			return "", "", fmt.Errorf("%w: short ipv6 request", ErrBadRequest)
		}
		ip := net.IP(req[4:20])
		port := binary.BigEndian.Uint16(req[20:22])
		return "tcp6", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), nil

	default:
		return "", "", fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddrType, req[3])
	}
}

// writeShortReply writes the four-byte reply used for rejected requests,
// before any address has been decoded.
func (n *Negotiator) writeShortReply(conn net.Conn, code byte) {
	_, _ = conn.Write([]byte{SOCKS5Version, code, 0x00, 0x00})
}

// sendReply writes a SOCKS5 reply. A nil ip produces an all-zero bound
// address of the width implied by atyp, which is what dial failures carry.
func (n *Negotiator) sendReply(conn net.Conn, code, atyp byte, ip net.IP, port uint16) error {
	addrLen := net.IPv4len
	if atyp == AddrTypeIPv6 {
		addrLen = net.IPv6len
	}

	reply := make([]byte, 0, 6+addrLen)
	reply = append(reply, SOCKS5Version, code, 0x00, atyp)

	addr := make([]byte, addrLen)
	if ip != nil {
		if v4 := ip.To4(); v4 != nil && atyp == AddrTypeIPv4 {
			copy(addr, v4)
		} else {
			copy(addr, ip.To16())
		}
	}
	reply = append(reply, addr...)
	reply = binary.BigEndian.AppendUint16(reply, port)

	_, err := conn.Write(reply)
	return err
}

// localAddr extracts the bound IP and port of a dialed connection.
func localAddr(conn net.Conn) (net.IP, uint16) {
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP, uint16(tcpAddr.Port)
	}
	return net.IPv4zero, 0
}
