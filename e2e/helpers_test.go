//go:build e2e

package e2e

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

// availableTransports returns the runner transports to test against.
// Set E2E_TRANSPORT=tcp or E2E_TRANSPORT=websocket to restrict to one.
// vsock needs an enclave or a vsock loopback device and is never selected
// by default.
func availableTransports(t *testing.T) []string {
	t.Helper()
	switch filter := os.Getenv("E2E_TRANSPORT"); filter {
	case "":
		return []string{"tcp", "websocket"}
	case "tcp", "websocket", "vsock":
		return []string{filter}
	default:
		t.Fatalf("unsupported E2E_TRANSPORT value %q; expected \"tcp\", \"websocket\", \"vsock\", or \"\" (tcp and websocket)", filter)
		return nil
	}
}

// runnerProcess is a running "enclave-runner serve" and the control port it
// bound.
type runnerProcess struct {
	*process
	transport string
	port      string
}

// clientArgs returns the flags a client command needs to reach this runner.
func (r *runnerProcess) clientArgs() []string {
	return []string{"--transport", r.transport, "--runner-port", r.port}
}

// portRe extracts port=N from the runner's startup log line.
var portRe = regexp.MustCompile(`port=(\d+)`)

// startRunner starts the runner on an ephemeral port and waits until it is
// accepting control connections.
func startRunner(t *testing.T, transport string, extraArgs ...string) *runnerProcess {
	t.Helper()
	args := append([]string{
		"serve",
		"--transport", transport,
		"--port", "0",
	}, extraArgs...)
	proc := startProcess(t, args...)

	line := waitForLog(t, proc, "runner listening", 15*time.Second)
	m := portRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no port= in log line: %s", line)
	}
	return &runnerProcess{process: proc, transport: transport, port: m[1]}
}

// startPortForward starts a port-forward client for target through runner.
func startPortForward(t *testing.T, runner *runnerProcess, target string, extraArgs ...string) *process {
	t.Helper()
	args := append([]string{"port-forward", target, "--bind", "127.0.0.1:0"}, runner.clientArgs()...)
	return startProcess(t, append(args, extraArgs...)...)
}

// startSOCKS5Proxy starts a socks5-proxy client through runner.
func startSOCKS5Proxy(t *testing.T, runner *runnerProcess, extraArgs ...string) *process {
	t.Helper()
	args := append([]string{"socks5-proxy", "--bind", "127.0.0.1:0"}, runner.clientArgs()...)
	return startProcess(t, append(args, extraArgs...)...)
}

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// runnerBinary builds the enclave-runner binary once and returns its path.
func runnerBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "enclave-runner")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/enclave-runner")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build enclave-runner: %v", buildErr)
	}
	return builtBinary
}

// process is a running enclave-runner subprocess with log capture.
type process struct {
	cmd  *exec.Cmd
	logs *logBuffer
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startProcess starts enclave-runner with the given args. The process is
// killed on test cleanup.
func startProcess(t *testing.T, args ...string) *process {
	t.Helper()
	cmd := exec.Command(runnerBinary(t), args...)
	cmd.Env = os.Environ()

	logs := &logBuffer{}
	cmd.Stderr = logs // enclave-runner logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start enclave-runner %v: %v", args, err)
	}

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		if t.Failed() {
			t.Logf("enclave-runner %v logs:\n%s", args, logs)
		}
	})

	return &process{cmd: cmd, logs: logs}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *process, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

var (
	addrRe = regexp.MustCompile(`addr=([^\s]+)`)
	bindRe = regexp.MustCompile(`bind=([^\s]+)`)
)

// waitForLogAddr waits for a log line and extracts the addr= or bind= value.
func waitForLogAddr(t *testing.T, proc *process, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		m = bindRe.FindStringSubmatch(line)
	}
	if m == nil {
		t.Fatalf("no addr= or bind= in log line: %s", line)
	}
	return m[1]
}

// dialSOCKS5 performs a SOCKS5 handshake through the proxy to reach target.
// It returns the connection and the reply code.
func dialSOCKS5(t *testing.T, proxyAddr, target string) (net.Conn, byte) {
	t.Helper()
	conn, rep, err := dialSOCKS5E(proxyAddr, target)
	if err != nil {
		t.Fatalf("socks5 dial %s via %s: %v", target, proxyAddr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, rep
}

// dialSOCKS5E is like dialSOCKS5 but returns an error instead of calling t.Fatalf.
// Safe to call from goroutines.
func dialSOCKS5E(proxyAddr, target string) (net.Conn, byte, error) {
	conn, err := net.DialTimeout("tcp", proxyAddr, 10*time.Second)
	if err != nil {
		return nil, 0, fmt.Errorf("dial proxy: %w", err)
	}
	rep, err := socks5Connect(conn, target)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	return conn, rep, nil
}

func socks5Connect(conn net.Conn, target string) (byte, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return 0, fmt.Errorf("parse target: %w", err)
	}
	var port int
	if n, err := fmt.Sscanf(portStr, "%d", &port); err != nil || n != 1 || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("parse port %q: invalid", portStr)
	}

	// Auth negotiation: version=5, 1 method, no-auth.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return 0, fmt.Errorf("socks5 auth write: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, fmt.Errorf("socks5 auth response: %w", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		return 0, fmt.Errorf("socks5 auth: unexpected %v", resp)
	}

	req := []byte{0x05, 0x01, 0x00} // ver, connect, rsv
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		req = append(req, 0x01)
		req = append(req, ip4...)
	} else if ip != nil {
		req = append(req, 0x04)
		req = append(req, ip...)
	} else {
		req = append(req, 0x03, byte(len(host)))
		req = append(req, host...)
	}
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("socks5 connect write: %w", err)
	}

	// ver, rep, rsv, atyp, then the bound address.
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, fmt.Errorf("socks5 connect response: %w", err)
	}
	var n int
	switch hdr[3] {
	case 0x01:
		n = 4 + 2
	case 0x04:
		n = 16 + 2
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return 0, fmt.Errorf("socks5 read domain len: %w", err)
		}
		n = int(l[0]) + 2
	default:
		return 0, fmt.Errorf("socks5: unknown address type %#x", hdr[3])
	}
	if _, err := io.ReadFull(conn, make([]byte, n)); err != nil {
		return 0, fmt.Errorf("socks5 read bound addr: %w", err)
	}
	return hdr[1], nil
}

// closedAddr returns a loopback address nobody is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
