package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WebSocket carries each stream as binary messages on its own WebSocket
// connection. Listeners serve HTTP on Host and upgrade every request.
type WebSocket struct {
	Host string
}

func (t *WebSocket) Name() string { return NameWebSocket }

func (t *WebSocket) Listen(port uint32) (Listener, error) {
	if port > math.MaxUint16 {
		return nil, fmt.Errorf("websocket listen: port %d out of range", port)
	}
	host := t.Host
	if host == "" {
		host = DefaultHost
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)))
	if err != nil {
		return nil, fmt.Errorf("websocket listen: %w", err)
	}
	bound, err := addrPort(ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	wl := &wsListener{
		port:    bound,
		streams: make(chan Stream),
		closed:  make(chan struct{}),
	}
	wl.srv = &http.Server{
		Handler:           wl,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = wl.srv.Serve(ln) }()
	return wl, nil
}

func (t *WebSocket) Dial(ctx context.Context, host string, port uint32) (Stream, error) {
	u := "ws://" + net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)) + "/"
	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	// The stream outlives the dial context.
	return wsStream(ws), nil
}

// wsConn returns from Close without waiting for the peer's close frame.
// The close handshake finishes in the background, bounded by the library's
// own handshake timeout, so a peer that stops reading cannot stall the
// caller.
type wsConn struct {
	net.Conn
}

func (c wsConn) Close() error {
	go func() { _ = c.Conn.Close() }()
	return nil
}

func wsStream(ws *websocket.Conn) Stream {
	return FromConn(wsConn{websocket.NetConn(context.Background(), ws, websocket.MessageBinary)})
}

type wsListener struct {
	port    uint32
	srv     *http.Server
	streams chan Stream

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	// The connection is hijacked, so it stays open after this handler
	// returns; its lifetime belongs to whoever accepts the stream.
	s := wsStream(ws)
	select {
	case l.streams <- s:
	case <-l.closed:
		_ = ws.CloseNow()
	case <-r.Context().Done():
		_ = ws.CloseNow()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Port() uint32 { return l.port }

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}
