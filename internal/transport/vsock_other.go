//go:build !linux

package transport

import "fmt"

func newVsock() (Transport, error) {
	return nil, fmt.Errorf("%w: vsock requires linux", ErrUnsupportedTransport)
}
