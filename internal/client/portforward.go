package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/philsphicas/enclave-runner/internal/transport"
)

// PortForwardConfig holds configuration for port-forward mode.
type PortForwardConfig struct {
	Runner       Config
	Target       string // host:port to forward to
	BindAddress  string // local address:port to listen on
	TCPKeepAlive time.Duration // keepalive period for local connections; 0 disables
}

// PortForward starts a local TCP listener and forwards each connection
// through the runner to the configured target. It blocks until ctx is
// cancelled.
func PortForward(ctx context.Context, cfg PortForwardConfig) error {
	cfg.Runner.setDefaults()
	logger := cfg.Runner.Logger

	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	logger.Info("port-forward listening", "bind", ln.Addr(), "target", cfg.Target)

	return serveLocal(ctx, ln, cfg.Runner, func(conn net.Conn) error {
		_ = transport.SetKeepAlive(conn, cfg.TCPKeepAlive)
		return forward(ctx, cfg.Runner, conn, cfg.Target)
	})
}

// serveLocal accepts connections on ln and runs handle for each until ctx
// is cancelled.
func serveLocal(ctx context.Context, ln net.Listener, cfg Config, handle func(net.Conn) error) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close() //nolint:errcheck // best-effort cleanup
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}

		go func() {
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := handle(conn); err != nil {
				cfg.Logger.Warn("forward failed", "error", err)
			}
		}()
	}
}

// forward opens a session to target and pumps conn through it.
func forward(ctx context.Context, cfg Config, conn net.Conn, target string) error {
	sess, err := Dial(ctx, cfg, target)
	if err != nil {
		return err
	}
	defer sess.Close() //nolint:errcheck // best-effort cleanup

	_, err = cfg.Metrics.TrackedPump(ctx, transport.FromConn(conn), sess.Data, metrics.RoleClient, target, cfg.Logger)
	return err
}
