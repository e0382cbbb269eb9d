package protocol

import (
	"errors"
	"fmt"
	"io"
)

const (
	// MessageChunkSize is the read size used to frame control messages.
	MessageChunkSize = 1024

	// MaxMessageSize bounds how much ReadMessage will accumulate.
	MaxMessageSize = 64 * 1024
)

// ReadMessage reads one control message from r. It reads MessageChunkSize
// bytes at a time and stops at the first read that returns fewer bytes than
// that.
//
// The protocol has no length prefix, so a message whose length is an exact
// multiple of MessageChunkSize cannot be told apart from one that continues:
// ReadMessage keeps waiting for bytes that may never arrive. Peers avoid
// this by never producing such messages; changing it requires a protocol
// version bump.
func ReadMessage(r io.Reader) ([]byte, error) {
	var msg []byte
	chunk := make([]byte, MessageChunkSize)
	for {
		n, err := r.Read(chunk)
		msg = append(msg, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(msg) > 0 {
				return msg, nil
			}
			return nil, err
		}
		if n < MessageChunkSize {
			return msg, nil
		}
		if len(msg) >= MaxMessageSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, MaxMessageSize)
		}
	}
}

// WriteMessage writes msg to w in full.
func WriteMessage(w io.Writer, msg []byte) error {
	for len(msg) > 0 {
		n, err := w.Write(msg)
		if err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}

// ReadRequest reads and decodes one request.
func ReadRequest(r io.Reader) (Request, error) {
	data, err := ReadMessage(r)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	return DecodeRequest(data)
}

// WriteRequest encodes and writes one request.
func WriteRequest(w io.Writer, req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := WriteMessage(w, data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// ReadResponse reads and decodes one response.
func ReadResponse(r io.Reader) (Response, error) {
	data, err := ReadMessage(r)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return DecodeResponse(data)
}

// WriteResponse encodes and writes one response.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if err := WriteMessage(w, data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
