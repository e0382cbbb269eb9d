// Package client implements the enclave side of the runner protocol: it
// asks a runner to open a remote connection and returns the resulting data
// stream. Connect, PortForward, and SOCKS5Proxy build local entry points on
// top of Dial.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/philsphicas/enclave-runner/internal/protocol"
	"github.com/philsphicas/enclave-runner/internal/relay"
	"github.com/philsphicas/enclave-runner/internal/transport"
)

// ErrRejected is returned when the runner closes the control connection
// without answering. The runner gives no reason: the target may be
// unreachable, not allowed, or the request malformed.
var ErrRejected = errors.New("connection rejected by runner")

// Config locates the runner.
type Config struct {
	// Transport reaches the runner. Nil means TCP.
	Transport transport.Transport

	// Host is the runner's address on Transport: an IP or hostname for TCP
	// and WebSocket, a context ID for vsock. Empty means
	// transport.DefaultHost, or the host context ID on vsock.
	Host string

	// Port is the runner's control port. Zero means protocol.DefaultPort.
	Port uint32

	// DialTimeout bounds each dial to the runner and the wait for its
	// response. Zero means 30s.
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

func (cfg *Config) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = &transport.TCP{}
	}
	if cfg.Host == "" && cfg.Transport.Name() != transport.NameVsock {
		cfg.Host = transport.DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = protocol.DefaultPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
}

// Session is a data connection to a remote target opened through a
// runner.
type Session struct {
	// Data carries the target's bytes.
	Data transport.Stream

	// Connected is the runner's answer to the request.
	Connected protocol.Connected

	ctrl transport.Stream
}

// Close shuts down the data and control streams.
func (s *Session) Close() error {
	return errors.Join(
		s.Data.Shutdown(transport.ShutdownBoth),
		s.ctrl.Shutdown(transport.ShutdownBoth),
	)
}

// Dial asks the runner described by cfg to connect to target (host:port)
// and connects to the data port it returns.
func Dial(ctx context.Context, cfg Config, target string) (*Session, error) {
	cfg.setDefaults()
	m := cfg.Metrics

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	ctrl, err := m.InstrumentedDial(dialCtx, cfg.Transport, cfg.Host, cfg.Port, metrics.RoleClient)
	if err != nil {
		return nil, fmt.Errorf("dial runner %s port %d: %w", cfg.Host, cfg.Port, err)
	}

	connected, err := exchange(dialCtx, ctrl, target, cfg.Logger)
	if err != nil {
		_ = ctrl.Shutdown(transport.ShutdownBoth)
		reason := metrics.ReasonRejected
		if errors.Is(err, protocol.ErrDeserialization) || errors.Is(err, protocol.ErrUnexpectedResponse) {
			reason = metrics.ReasonUnexpectedResponse
		}
		m.ConnectionError(metrics.RoleClient, reason)
		return nil, err
	}

	data, err := m.InstrumentedDial(dialCtx, cfg.Transport, cfg.Host, uint32(connected.Port), metrics.RoleClient)
	if err != nil {
		_ = ctrl.Shutdown(transport.ShutdownBoth)
		return nil, fmt.Errorf("dial data port %d: %w", connected.Port, err)
	}

	cfg.Logger.Debug("session established", "target", target, "data_port", connected.Port)
	return &Session{Data: data, Connected: connected, ctrl: ctrl}, nil
}

// exchange performs the single request/response exchange on ctrl.
func exchange(ctx context.Context, ctrl transport.Stream, target string, logger *slog.Logger) (protocol.Connected, error) {
	// Unblock the response read if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = ctrl.Shutdown(transport.ShutdownBoth) })
	defer stop()

	req := protocol.NewConnectRequest(target)
	relay.LogMessage(ctx, logger, relay.LocalEndpoint(ctrl), relay.PeerEndpoint("runner", ctrl), req)
	if err := protocol.WriteRequest(ctrl, req); err != nil {
		return protocol.Connected{}, err
	}

	resp, err := protocol.ReadResponse(ctrl)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Connected{}, fmt.Errorf("wait for runner response: %w", ctx.Err())
		}
		if errors.Is(err, protocol.ErrDeserialization) || errors.Is(err, protocol.ErrUnexpectedResponse) {
			return protocol.Connected{}, err
		}
		return protocol.Connected{}, fmt.Errorf("%w: %s: %w", ErrRejected, target, err)
	}
	relay.LogMessage(ctx, logger, relay.PeerEndpoint("runner", ctrl), relay.LocalEndpoint(ctrl), resp)
	if resp.Connected == nil {
		return protocol.Connected{}, fmt.Errorf("%w: %s", protocol.ErrUnexpectedResponse, resp.Kind())
	}
	return *resp.Connected, nil
}
