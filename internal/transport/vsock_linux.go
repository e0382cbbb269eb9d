//go:build linux

package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

// Vsock carries the enclave channel over AF_VSOCK. Dial hosts are context
// IDs, either numeric or one of "hypervisor", "local", "host".
type Vsock struct{}

func newVsock() (Transport, error) {
	return &Vsock{}, nil
}

func (v *Vsock) Name() string { return NameVsock }

// Listen binds port on every context ID the host answers on. Port 0 asks
// the kernel for any free port.
func (v *Vsock) Listen(port uint32) (Listener, error) {
	if port == 0 {
		port = unix.VMADDR_PORT_ANY
	}
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen: %w", err)
	}
	return newNetListener(ln)
}

func (v *Vsock) Dial(ctx context.Context, host string, port uint32) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cid, err := ParseContextID(host)
	if err != nil {
		return nil, err
	}
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}
	return FromConn(conn), nil
}

// ParseContextID parses a vsock context ID.
func ParseContextID(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "hypervisor":
		return unix.VMADDR_CID_HYPERVISOR, nil
	case "local":
		return unix.VMADDR_CID_LOCAL, nil
	case "host", "":
		return unix.VMADDR_CID_HOST, nil
	}
	cid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid vsock context ID %q", s)
	}
	return uint32(cid), nil
}
