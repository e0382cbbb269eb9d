package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/philsphicas/enclave-runner/internal/transport"
)

// ConnectConfig holds configuration for the connect (stdin/stdout) mode.
type ConnectConfig struct {
	Runner Config
	Target string // host:port
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// Connect performs a one-shot session: it asks the runner for Target and
// pumps stdin/stdout through the data connection. It returns when either
// side closes.
func Connect(ctx context.Context, cfg ConnectConfig) error {
	cfg.Runner.setDefaults()

	sess, err := Dial(ctx, cfg.Runner, cfg.Target)
	if err != nil {
		return err
	}
	defer sess.Close() //nolint:errcheck // best-effort cleanup

	cfg.Runner.Logger.Debug("connected", "target", cfg.Target)

	stdio := &stdioStream{in: cfg.Stdin, out: cfg.Stdout}
	_, err = cfg.Runner.Metrics.TrackedPump(ctx, stdio, sess.Data, metrics.RoleClient, cfg.Target, cfg.Runner.Logger)
	return err
}

// stdioStream adapts stdin/stdout to transport.Stream.
type stdioStream struct {
	in  io.ReadCloser
	out io.WriteCloser

	mu        sync.Mutex
	inClosed  bool
	outClosed bool
}

func (s *stdioStream) Read(b []byte) (int, error)  { return s.in.Read(b) }
func (s *stdioStream) Write(b []byte) (int, error) { return s.out.Write(b) }
func (s *stdioStream) Local() (string, error)      { return "stdio", nil }
func (s *stdioStream) LocalPort() (uint32, error)  { return 0, nil }
func (s *stdioStream) Peer() (string, error)       { return "stdio", nil }
func (s *stdioStream) PeerPort() (uint32, error)   { return 0, nil }

func (s *stdioStream) Shutdown(how transport.Shutdown) error {
	if how < transport.ShutdownRead || how > transport.ShutdownBoth {
		return fmt.Errorf("shutdown: invalid mode %v", how)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if (how == transport.ShutdownRead || how == transport.ShutdownBoth) && !s.inClosed {
		s.inClosed = true
		errs = append(errs, s.in.Close())
	}
	if (how == transport.ShutdownWrite || how == transport.ShutdownBoth) && !s.outClosed {
		s.outClosed = true
		errs = append(errs, s.out.Close())
	}
	return errors.Join(errs...)
}
