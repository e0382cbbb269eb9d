package transport

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
)

// TCP is the reference transport. Listeners bind Host, which defaults to
// the loopback interface.
type TCP struct {
	Host string
}

func (t *TCP) Name() string { return NameTCP }

func (t *TCP) host() string {
	if t.Host == "" {
		return DefaultHost
	}
	return t.Host
}

func (t *TCP) Listen(port uint32) (Listener, error) {
	if port > math.MaxUint16 {
		return nil, fmt.Errorf("tcp listen: port %d out of range", port)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(t.host(), strconv.FormatUint(uint64(port), 10)))
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return newNetListener(ln)
}

func (t *TCP) Dial(ctx context.Context, host string, port uint32) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)))
	if err != nil {
		return nil, err
	}
	return FromConn(conn), nil
}
