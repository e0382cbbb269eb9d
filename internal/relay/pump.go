// Package relay implements the data plane of enclave-runner: a byte pump
// between the enclave's data connection and the remote endpoint it asked
// for.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/philsphicas/enclave-runner/internal/transport"
)

// PumpChunkSize is the largest chunk read from either side at once.
const PumpChunkSize = 4192

// PumpStats holds byte counters for a completed pump.
type PumpStats struct {
	ProxyToRemote int64 // bytes copied from the enclave's data connection to the remote
	RemoteToProxy int64 // bytes copied from the remote to the enclave's data connection
}

// Pump copies data between proxy (the enclave's data connection) and
// remote until either side closes, either side fails, or ctx is cancelled.
//
// Each direction has exactly one chunk in flight: a chunk is written in
// full to the opposite side before the next read. End of stream on either
// side ends the whole pump and is not forwarded as an empty write. When
// the pump ends, both streams are shut down in both directions.
//
// An orderly close returns a nil error; otherwise the first read or write
// error is returned.
func Pump(ctx context.Context, proxy, remote transport.Stream, logger *slog.Logger) (PumpStats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var toRemote, toProxy atomic.Int64
	errc := make(chan error, 2)

	// proxy → remote
	go func() {
		errc <- transfer(ctx, proxy, "proxy", remote, "remote", &toRemote, logger)
	}()

	// remote → proxy
	go func() {
		errc <- transfer(ctx, remote, "remote", proxy, "proxy", &toProxy, logger)
	}()

	pending := 2
	var err error
	select {
	case err = <-errc:
		pending--
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Unblock the other direction.
	_ = proxy.Shutdown(transport.ShutdownBoth)
	_ = remote.Shutdown(transport.ShutdownBoth)
	for ; pending > 0; pending-- {
		<-errc
	}

	stats := PumpStats{
		ProxyToRemote: toRemote.Load(),
		RemoteToProxy: toProxy.Load(),
	}
	return stats, err
}

func transfer(ctx context.Context, src transport.Stream, srcName string, dst transport.Stream, dstName string, count *atomic.Int64, logger *slog.Logger) error {
	buf := make([]byte, PumpChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			LogCommunication(ctx, logger, PeerEndpoint(srcName, src), LocalEndpoint(src), chunk)
			w, wErr := dst.Write(chunk)
			if wErr == nil && w != n {
				wErr = io.ErrShortWrite
			}
			if wErr != nil {
				return wErr
			}
			LogCommunication(ctx, logger, LocalEndpoint(dst), PeerEndpoint(dstName, dst), chunk)
			count.Add(int64(n))
		}
		if err != nil {
			return ignoreEOF(err)
		}
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// IsExpectedClose reports whether err is what a pump or accept loop sees
// when the other side of a session went away.
func IsExpectedClose(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}
