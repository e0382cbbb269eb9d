// Package protocol defines the wire format spoken between an enclave and
// enclave-runner on the control channel.
//
// Every control connection carries exactly one exchange: the enclave sends
// a single CBOR-encoded Request, and the runner answers with a single
// CBOR-encoded Response. Messages are not length-prefixed; the end of a
// message is inferred from a short read (see ReadMessage). After the
// exchange the control connection carries no further protocol traffic.
package protocol

import "errors"

// DefaultPort is the well-known control port the runner listens on.
const DefaultPort uint32 = 10000

var (
	// ErrDeserialization is returned when a buffer cannot be decoded as a
	// protocol message.
	ErrDeserialization = errors.New("deserialization error")

	// ErrUnsupportedRequest is returned when a request decodes cleanly but
	// names a kind this runner does not handle.
	ErrUnsupportedRequest = errors.New("unsupported request")

	// ErrUnexpectedResponse is returned by clients when the runner answers
	// with a response kind they do not understand.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrMessageTooLarge is returned when a framed message grows beyond
	// MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)
