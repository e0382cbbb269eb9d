// Package transport defines the capabilities enclave-runner needs from the
// channel between the host and an enclave, and provides implementations
// for TCP, vsock, and WebSocket.
//
// The relay core only uses Stream, Listener, and Transport, so a deployment
// can switch the enclave channel without touching relay logic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Shutdown selects which half of a stream to close.
type Shutdown int

const (
	ShutdownRead Shutdown = iota
	ShutdownWrite
	ShutdownBoth
)

func (s Shutdown) String() string {
	switch s {
	case ShutdownRead:
		return "read"
	case ShutdownWrite:
		return "write"
	case ShutdownBoth:
		return "both"
	default:
		return fmt.Sprintf("Shutdown(%d)", int(s))
	}
}

// Stream is a connected byte stream with endpoint identity.
type Stream interface {
	io.Reader
	io.Writer

	// Local returns the local endpoint as a printable address.
	Local() (string, error)
	LocalPort() (uint32, error)

	// Peer returns the remote endpoint as a printable address.
	Peer() (string, error)
	PeerPort() (uint32, error)

	// Shutdown closes one or both halves of the stream. Shutting down both
	// halves releases the stream.
	Shutdown(how Shutdown) error
}

// Listener accepts inbound streams one at a time.
type Listener interface {
	// Accept blocks until a stream arrives, ctx is done, or the listener
	// is closed.
	Accept(ctx context.Context) (Stream, error)

	// Port returns the bound port. For listeners bound to port 0 this is
	// the port the OS assigned.
	Port() uint32

	Close() error
}

// Transport creates listeners and outbound streams on one kind of channel.
type Transport interface {
	Name() string

	// Listen binds port. Port 0 asks for an OS-assigned port.
	Listen(port uint32) (Listener, error)

	// Dial connects to port on host. The meaning of host depends on the
	// transport (an IP or hostname for TCP, a context ID for vsock).
	Dial(ctx context.Context, host string, port uint32) (Stream, error)
}

// ErrUnsupportedTransport is returned when a transport is not available on
// this platform or is not known.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Names of the built-in transports.
const (
	NameTCP       = "tcp"
	NameVsock     = "vsock"
	NameWebSocket = "websocket"
)

// DefaultHost is the address TCP and WebSocket listeners bind to. The runner
// is only meant to be reachable from the local host.
const DefaultHost = "127.0.0.1"

// Lookup returns the transport registered under name. host is the bind
// address for TCP and WebSocket listeners; empty means DefaultHost.
func Lookup(name, host string) (Transport, error) {
	if host == "" {
		host = DefaultHost
	}
	switch name {
	case NameTCP, "":
		return &TCP{Host: host}, nil
	case NameWebSocket:
		return &WebSocket{Host: host}, nil
	case NameVsock:
		return newVsock()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, name)
	}
}
