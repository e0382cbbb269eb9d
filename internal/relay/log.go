package relay

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/philsphicas/enclave-runner/internal/transport"
)

// PreviewLength is the number of characters of each message shown in
// communication logs.
const PreviewLength = 80

// Endpoint names one end of a logged exchange.
type Endpoint struct {
	Name string
	Port uint32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Name, e.Port)
}

// LocalEndpoint is the runner's own end of s.
func LocalEndpoint(s transport.Stream) Endpoint {
	port, _ := s.LocalPort()
	return Endpoint{Name: "runner", Port: port}
}

// PeerEndpoint is the far end of s, labelled name.
func PeerEndpoint(name string, s transport.Stream) Endpoint {
	port, _ := s.PeerPort()
	return Endpoint{Name: name, Port: port}
}

// Preview returns the first PreviewLength characters of msg. Payloads that
// are not valid UTF-8 have no preview.
func Preview(msg []byte) string {
	if !utf8.Valid(msg) {
		return ""
	}
	return truncate(string(msg))
}

func truncate(s string) string {
	i := 0
	for pos := range s {
		if i == PreviewLength {
			return s[:pos]
		}
		i++
	}
	return s
}

// LogCommunication records one message moving from src to dst at debug
// level. It never affects control flow.
func LogCommunication(ctx context.Context, logger *slog.Logger, src, dst Endpoint, msg []byte) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.DebugContext(ctx, "communication",
		"src", src.String(),
		"dst", dst.String(),
		"bytes", len(msg),
		"preview", Preview(msg),
	)
}

// LogMessage records a decoded protocol message, previewing its textual
// form.
func LogMessage(ctx context.Context, logger *slog.Logger, src, dst Endpoint, msg fmt.Stringer) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.DebugContext(ctx, "communication",
		"src", src.String(),
		"dst", dst.String(),
		"preview", truncate(msg.String()),
	)
}
