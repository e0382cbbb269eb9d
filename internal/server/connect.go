package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/philsphicas/enclave-runner/internal/protocol"
	"github.com/philsphicas/enclave-runner/internal/relay"
	"github.com/philsphicas/enclave-runner/internal/transport"
)

// handleConnect dials the requested target, binds an ephemeral data port,
// tells the enclave about it, accepts the enclave's data connection, and
// pumps until either side closes. Any failure before the response leaves
// the enclave with a closed control connection and no payload.
func (s *Server) handleConnect(ctx context.Context, ctrl transport.Stream, req *protocol.Connect, logger *slog.Logger) error {
	cfg := s.cfg
	target := req.Addr
	logger = logger.With("target", target)

	if target == "" {
		cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonDecodeError)
		return ErrMissingTarget
	}
	logger.Info("connection requested")

	if len(cfg.AllowList) > 0 && !isAllowed(target, cfg.AllowList) {
		cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonTargetNotAllowed)
		return fmt.Errorf("%w: %s", ErrTargetNotAllowed, target)
	}

	remote, err := s.dialTarget(ctx, target)
	if err != nil {
		cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.DialReason(err, metrics.ReasonDialFailed))
		return err
	}
	defer remote.Shutdown(transport.ShutdownBoth) //nolint:errcheck // best-effort cleanup

	ln, err := cfg.Transport.Listen(0)
	if err != nil {
		cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonAcceptFailed)
		return fmt.Errorf("bind data port: %w", err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup

	resp, err := connectedResponse(ctrl, ln.Port())
	if err != nil {
		cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonResponseFailed)
		return err
	}
	relay.LogMessage(ctx, logger, relay.LocalEndpoint(ctrl), relay.PeerEndpoint("enclave", ctrl), resp)
	if err := protocol.WriteResponse(ctrl, resp); err != nil {
		cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonResponseFailed)
		return err
	}

	proxy, err := s.acceptData(ctx, ln)
	_ = ln.Close()
	if err != nil {
		reason := metrics.ReasonAcceptFailed
		if errors.Is(err, ErrAcceptTimeout) {
			reason = metrics.ReasonAcceptTimeout
		}
		cfg.Metrics.ConnectionError(metrics.RoleServer, reason)
		return err
	}
	defer proxy.Shutdown(transport.ShutdownBoth) //nolint:errcheck // best-effort cleanup

	logger.Debug("data connection accepted", "data_port", ln.Port())

	stats, err := cfg.Metrics.TrackedPump(ctx, proxy, remote, metrics.RoleServer, target, logger)
	logger.Debug("pump finished", "proxy_to_remote", stats.ProxyToRemote, "remote_to_proxy", stats.RemoteToProxy)
	if err != nil {
		return fmt.Errorf("%w: %w", errPump, err)
	}
	return nil
}

func (s *Server) dialTarget(ctx context.Context, target string) (transport.Stream, error) {
	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialStart := time.Now()
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	s.cfg.Metrics.ObserveDialDuration(metrics.RoleServer, time.Since(dialStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	_ = transport.SetKeepAlive(conn, s.cfg.TCPKeepAlive)
	return transport.FromConn(conn), nil
}

// connectedResponse builds the Connected response for a data listener on
// port. The addresses reported are those of the control connection.
func connectedResponse(ctrl transport.Stream, port uint32) (protocol.Response, error) {
	if port > math.MaxUint16 {
		return protocol.Response{}, fmt.Errorf("data port %d does not fit the response", port)
	}
	local, err := ctrl.Local()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("control local address: %w", err)
	}
	peer, err := ctrl.Peer()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("control peer address: %w", err)
	}
	return protocol.Response{Connected: &protocol.Connected{
		Port:      uint16(port),
		LocalAddr: local,
		PeerAddr:  peer,
	}}, nil
}

// acceptData waits for the enclave's data connection, bounded by
// AcceptTimeout when set.
func (s *Server) acceptData(ctx context.Context, ln transport.Listener) (transport.Stream, error) {
	acceptCtx := ctx
	if s.cfg.AcceptTimeout > 0 {
		var cancel context.CancelFunc
		acceptCtx, cancel = context.WithTimeout(ctx, s.cfg.AcceptTimeout)
		defer cancel()
	}
	stream, err := ln.Accept(acceptCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v on port %d", ErrAcceptTimeout, s.cfg.AcceptTimeout, ln.Port())
		}
		return nil, fmt.Errorf("accept data connection: %w", err)
	}
	return stream, nil
}
