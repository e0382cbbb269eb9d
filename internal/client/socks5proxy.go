package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/philsphicas/enclave-runner/internal/client/socks5"
	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/philsphicas/enclave-runner/internal/transport"
)

// handshakeTimeout bounds the SOCKS5 negotiation with a local client.
const handshakeTimeout = 30 * time.Second

// SOCKS5Config holds configuration for socks5-proxy mode.
type SOCKS5Config struct {
	Runner       Config
	BindAddress  string // local address:port to listen on
	TCPKeepAlive time.Duration // keepalive period for local connections; 0 disables
}

// SOCKS5Proxy starts a local SOCKS5 proxy and forwards each connection
// through the runner. The target is taken from each client's CONNECT
// request. It blocks until ctx is cancelled.
func SOCKS5Proxy(ctx context.Context, cfg SOCKS5Config) error {
	cfg.Runner.setDefaults()

	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Runner.Logger.Info("socks5-proxy listening", "bind", ln.Addr())

	return serveLocal(ctx, ln, cfg.Runner, func(conn net.Conn) error {
		_ = transport.SetKeepAlive(conn, cfg.TCPKeepAlive)
		return handleSOCKS5(ctx, conn, cfg.Runner)
	})
}

func handleSOCKS5(ctx context.Context, conn net.Conn, cfg Config) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	target, err := socks5.Handshake(conn)
	if err != nil {
		_ = socks5.SendReply(conn, socks5.RepGeneralFailure, nil)
		return fmt.Errorf("socks5 handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	cfg.Logger.Info("socks5 connect", "target", target)

	sess, err := Dial(ctx, cfg, target)
	if err != nil {
		_ = socks5.SendReply(conn, replyFor(err), nil)
		return err
	}
	defer sess.Close() //nolint:errcheck // best-effort cleanup

	tcpAddr, _ := conn.LocalAddr().(*net.TCPAddr)
	if err := socks5.SendReply(conn, socks5.RepSuccess, tcpAddr); err != nil {
		return fmt.Errorf("socks5 reply: %w", err)
	}

	_, err = cfg.Metrics.TrackedPump(ctx, transport.FromConn(conn), sess.Data, metrics.RoleClient, target, cfg.Logger)
	return err
}

// replyFor maps a Dial failure to a SOCKS5 reply code.
func replyFor(err error) byte {
	switch {
	case errors.Is(err, ErrRejected):
		return socks5.RepHostUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return socks5.RepTTLExpired
	default:
		return socks5.RepGeneralFailure
	}
}
