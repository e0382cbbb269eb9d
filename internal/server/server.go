// Package server implements the runner side of enclave-runner: it accepts
// control connections from an enclave on a well-known port, reads a single
// request from each, opens the requested remote connection, hands the
// enclave an ephemeral data port, and pumps bytes until either side closes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/philsphicas/enclave-runner/internal/protocol"
	"github.com/philsphicas/enclave-runner/internal/relay"
	"github.com/philsphicas/enclave-runner/internal/transport"
)

var (
	// ErrRequestTimeout is returned when a control connection does not
	// deliver its request within Config.RequestTimeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrAcceptTimeout is returned when the enclave does not connect to the
	// ephemeral data port within Config.AcceptTimeout.
	ErrAcceptTimeout = errors.New("accept timeout")

	// ErrTargetNotAllowed is returned when a Connect target does not match
	// the configured allowlist.
	ErrTargetNotAllowed = errors.New("target not allowed")

	// ErrMissingTarget is returned for a Connect request with an empty
	// address.
	ErrMissingTarget = errors.New("missing target")
)

// Config holds runner configuration.
type Config struct {
	// Transport carries control and data connections between the runner
	// and the enclave. Nil means TCP on the loopback interface.
	Transport transport.Transport

	// Port is the well-known control port. Zero means protocol.DefaultPort.
	Port uint32

	AllowList      []string // Optional target allowlist (host:port, CIDR:port, CIDR:*)
	MaxConnections int      // 0 = unlimited
	ConnectTimeout time.Duration
	TCPKeepAlive   time.Duration // keepalive period for target connections; 0 disables

	// RequestTimeout bounds the wait for the request on a new control
	// connection. Zero waits forever.
	RequestTimeout time.Duration

	// AcceptTimeout bounds the wait for the enclave to connect to the
	// ephemeral data port. Zero waits forever.
	AcceptTimeout time.Duration

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
	if cfg.Port == 0 {
		cfg.Port = protocol.DefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
}

// Server dispatches control connections to per-session goroutines.
type Server struct {
	cfg Config
	sem *connSemaphore
	wg  sync.WaitGroup
}

// New returns a Server for cfg with defaults applied.
func New(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		cfg: cfg,
		sem: newConnSemaphore(cfg.MaxConnections),
	}
}

// ListenAndServe binds the control port on the configured transport and
// serves it until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	s := New(cfg)
	ln, err := s.cfg.Transport.Listen(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s port %d: %w", s.cfg.Transport.Name(), s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Serve accepts control connections on ln and handles each in its own
// goroutine. A failed accept is logged and the loop continues. Serve
// closes ln and returns nil once ctx is cancelled and every session has
// finished.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	logger := s.cfg.Logger
	// Stop accepting before draining sessions.
	defer s.wg.Wait()
	defer ln.Close() //nolint:errcheck // best-effort cleanup

	if len(s.cfg.AllowList) == 0 {
		logger.Warn("no allowlist configured, all targets will be permitted")
	}
	logger.Info("runner listening", "transport", s.cfg.Transport.Name(), "port", ln.Port())
	s.cfg.Metrics.SetListening(true)
	defer s.cfg.Metrics.SetListening(false)

	var delay time.Duration
	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return err
			}
			if delay == 0 {
				delay = acceptBackoffMin
			} else {
				delay = min(delay*2, acceptBackoffMax)
			}
			logger.Warn("accept failed", "error", err, "retry_in", delay)
			s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonAcceptFailed)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		s.cfg.Metrics.ControlConnectionAccepted()

		if !s.sem.tryAcquire(ctx) {
			logger.Warn("max connections reached, dropping connection")
			s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonMaxConnections)
			go stream.Shutdown(transport.ShutdownBoth) //nolint:errcheck // best-effort cleanup
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.release()
			s.handleClient(ctx, stream)
		}()
	}
}

// handleClient runs one session to completion. Errors stop here: they are
// logged and counted, and the control stream is shut down.
func (s *Server) handleClient(ctx context.Context, stream transport.Stream) {
	peer, _ := stream.Peer()
	logger := s.cfg.Logger.With("session", uuid.NewString(), "peer", peer)
	logger.Debug("control connection accepted")

	err := s.serveSession(ctx, stream, logger)
	_ = stream.Shutdown(transport.ShutdownBoth)

	switch {
	case err == nil:
		logger.Debug("session finished")
	case errors.Is(err, errPump):
		if relay.IsExpectedClose(err) {
			logger.Debug("session finished", "error", err)
		} else {
			logger.Info("session ended with error", "error", err)
		}
	default:
		logger.Warn("session failed", "error", err)
	}
}

var errPump = errors.New("pump")

func (s *Server) serveSession(ctx context.Context, stream transport.Stream, logger *slog.Logger) error {
	// Unblock setup reads and writes on process teardown.
	stop := context.AfterFunc(ctx, func() { _ = stream.Shutdown(transport.ShutdownBoth) })
	defer stop()

	req, err := s.readRequest(stream)
	if err != nil {
		s.cfg.Metrics.ConnectionError(metrics.RoleServer, requestReason(err))
		return err
	}
	relay.LogMessage(ctx, logger, relay.PeerEndpoint("enclave", stream), relay.LocalEndpoint(stream), req)

	switch {
	case req.Connect != nil:
		return s.handleConnect(ctx, stream, req.Connect, logger)
	default:
		s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonUnsupportedRequest)
		return fmt.Errorf("%w: %s", protocol.ErrUnsupportedRequest, req.Kind())
	}
}

// readRequest reads exactly one request from stream, bounded by
// RequestTimeout when set.
func (s *Server) readRequest(stream transport.Stream) (protocol.Request, error) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		return protocol.ReadRequest(stream)
	}
	timer := time.AfterFunc(timeout, func() { _ = stream.Shutdown(transport.ShutdownBoth) })
	req, err := protocol.ReadRequest(stream)
	if !timer.Stop() {
		return protocol.Request{}, fmt.Errorf("%w after %v", ErrRequestTimeout, timeout)
	}
	return req, err
}

func requestReason(err error) string {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return metrics.ReasonRequestTimeout
	case errors.Is(err, protocol.ErrUnsupportedRequest):
		return metrics.ReasonUnsupportedRequest
	default:
		return metrics.ReasonDecodeError
	}
}
