package protocol

import "fmt"

// Request kinds.
const (
	KindConnect = "Connect"
)

// Response kinds.
const (
	KindConnected = "Connected"
)

// Connect asks the runner to open a connection to Addr (host:port) on the
// enclave's behalf.
type Connect struct {
	Addr string `cbor:"addr"`
}

// Request is a tagged union sent by the enclave. Exactly one variant field
// is set on a valid request.
type Request struct {
	Connect *Connect
}

// NewConnectRequest returns a Connect request for addr.
func NewConnectRequest(addr string) Request {
	return Request{Connect: &Connect{Addr: addr}}
}

// Kind returns the variant name, or "" if no variant is set.
func (r Request) Kind() string {
	switch {
	case r.Connect != nil:
		return KindConnect
	default:
		return ""
	}
}

func (r Request) String() string {
	switch {
	case r.Connect != nil:
		return fmt.Sprintf("Connect { addr: %q }", r.Connect.Addr)
	default:
		return "Request {}"
	}
}

// Connected tells the enclave which ephemeral Port to connect to for the
// data channel. LocalAddr and PeerAddr echo the two ends of the control
// connection so the enclave can match the answer to the request that
// produced it.
type Connected struct {
	Port      uint16 `cbor:"port"`
	LocalAddr string `cbor:"local_addr"`
	PeerAddr  string `cbor:"peer_addr"`
}

// Response is a tagged union sent by the runner. Exactly one variant field
// is set on a valid response.
type Response struct {
	Connected *Connected
}

// Kind returns the variant name, or "" if no variant is set.
func (r Response) Kind() string {
	switch {
	case r.Connected != nil:
		return KindConnected
	default:
		return ""
	}
}

func (r Response) String() string {
	switch {
	case r.Connected != nil:
		c := r.Connected
		return fmt.Sprintf("Connected { port: %d, local_addr: %q, peer_addr: %q }", c.Port, c.LocalAddr, c.PeerAddr)
	default:
		return "Response {}"
	}
}
