package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

type closeReader interface {
	CloseRead() error
}

type closeWriter interface {
	CloseWrite() error
}

type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

// connStream adapts a net.Conn to Stream. Half-close uses CloseRead and
// CloseWrite when the conn has them; otherwise the conn is closed once both
// halves have been shut down.
type connStream struct {
	net.Conn

	mu        sync.Mutex
	readShut  bool
	writeShut bool
	closed    bool
}

// FromConn wraps conn as a Stream. The returned Stream also implements
// net.Conn, so deadlines remain available to callers that need them.
func FromConn(conn net.Conn) Stream {
	return &connStream{Conn: conn}
}

// SetKeepAlive configures TCP keepalive on conn, sent every period once the
// connection has been idle for period. A period of zero or less turns
// keepalive off, including the default Go enables on dialed and accepted TCP
// connections. Other kinds of conn are left untouched.
func SetKeepAlive(conn net.Conn, period time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if period <= 0 {
		return tc.SetKeepAlive(false)
	}
	return tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     period,
		Interval: period,
	})
}

func (s *connStream) Local() (string, error) { return addrString(s.LocalAddr()) }

func (s *connStream) LocalPort() (uint32, error) { return addrPort(s.LocalAddr()) }

func (s *connStream) Peer() (string, error) { return addrString(s.RemoteAddr()) }

func (s *connStream) PeerPort() (uint32, error) { return addrPort(s.RemoteAddr()) }

func (s *connStream) Shutdown(how Shutdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var err error
	switch how {
	case ShutdownRead:
		if s.readShut {
			return nil
		}
		s.readShut = true
		if cr, ok := s.Conn.(closeReader); ok && !s.writeShut {
			err = cr.CloseRead()
		}
	case ShutdownWrite:
		if s.writeShut {
			return nil
		}
		s.writeShut = true
		if cw, ok := s.Conn.(closeWriter); ok && !s.readShut {
			err = cw.CloseWrite()
		}
	case ShutdownBoth:
		s.readShut, s.writeShut = true, true
	default:
		return fmt.Errorf("shutdown: invalid mode %v", how)
	}

	if s.readShut && s.writeShut {
		s.closed = true
		return s.Conn.Close()
	}
	return err
}

func addrString(a net.Addr) (string, error) {
	if a == nil {
		return "", errors.New("address unavailable")
	}
	return a.String(), nil
}

func addrPort(a net.Addr) (uint32, error) {
	switch a := a.(type) {
	case nil:
		return 0, errors.New("address unavailable")
	case *net.TCPAddr:
		return uint32(a.Port), nil
	}
	_, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0, fmt.Errorf("address %q has no port: %w", a.String(), err)
	}
	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("address %q has no port: %w", a.String(), err)
	}
	return uint32(p), nil
}

// netListener adapts a net.Listener to Listener.
type netListener struct {
	ln   net.Listener
	port uint32
}

func newNetListener(ln net.Listener) (*netListener, error) {
	port, err := addrPort(ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &netListener{ln: ln, port: port}, nil
}

// Accept waits for the next connection. When ctx ends first, listeners that
// support deadlines are woken with an expired deadline; others are closed.
func (l *netListener) Accept(ctx context.Context) (Stream, error) {
	var stop func() bool
	if d, ok := l.ln.(deadlineSetter); ok {
		stop = context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
	} else {
		stop = context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	}
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		return nil, err
	}
	return FromConn(conn), nil
}

func (l *netListener) Port() uint32 { return l.port }

func (l *netListener) Close() error { return l.ln.Close() }
