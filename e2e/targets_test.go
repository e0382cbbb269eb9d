//go:build e2e

package e2e

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Targets are what the runner dials on the enclave's behalf.

// echoServer is a TCP target that echoes everything back.
type echoServer struct {
	ln       net.Listener
	accepted atomic.Int64
}

func startEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{ln: listenLoopback(t)}
	go serveTarget(es.ln, func(c net.Conn) {
		es.accepted.Add(1)
		io.Copy(c, c)
	})
	return es
}

func (es *echoServer) Addr() string { return es.ln.Addr().String() }

// sshTarget is an SSH server that answers "echo ..." exec requests, enough
// to prove an interactive protocol survives the runner. The client key is
// also the host key.
type sshTarget struct {
	addr    string
	keyPath string
}

func startSSHServer(t *testing.T) *sshTarget {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	want := string(signer.PublicKey().Marshal())
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != want {
				return nil, errUnknownKey
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	ln := listenLoopback(t)
	go serveTarget(ln, func(c net.Conn) { serveSSH(c, config) })
	return &sshTarget{addr: ln.Addr().String(), keyPath: keyPath}
}

var errUnknownKey = errors.New("unknown client key")

func serveSSH(c net.Conn, config *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(c, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			return
		}
		go serveExec(ch, chReqs)
	}
}

// serveExec answers the first exec request on a session channel. Only the
// echo command is understood; anything else exits 127.
func serveExec(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		var exec struct{ Command string }
		if req.Type != "exec" || ssh.Unmarshal(req.Payload, &exec) != nil {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		req.Reply(true, nil)

		status := uint32(0)
		if args, ok := strings.CutPrefix(exec.Command, "echo "); ok {
			io.WriteString(ch, args+"\n")
		} else {
			io.WriteString(ch.Stderr(), "unsupported command\n")
			status = 127
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// serveTarget runs handle for each connection until ln is closed.
func serveTarget(ln net.Listener, handle func(net.Conn)) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			handle(c)
		}()
	}
}
