package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// message always produces the same bytes.
var encMode cbor.EncMode

// decMode rejects duplicate map keys. Unknown fields inside a known variant
// are ignored so variants can grow new fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeRequest serializes r. It fails if r has no variant set.
func EncodeRequest(r Request) ([]byte, error) {
	switch {
	case r.Connect != nil:
		return encodeVariant(KindConnect, r.Connect)
	default:
		return nil, fmt.Errorf("encode request: no variant set")
	}
}

// DecodeRequest parses a request. Malformed input fails with
// ErrDeserialization; a well-formed message naming an unknown kind fails
// with ErrUnsupportedRequest.
func DecodeRequest(data []byte) (Request, error) {
	kind, raw, err := decodeVariant(data)
	if err != nil {
		return Request{}, err
	}
	switch kind {
	case KindConnect:
		var c Connect
		if err := decMode.Unmarshal(raw, &c); err != nil {
			return Request{}, fmt.Errorf("%w: %s: %w", ErrDeserialization, kind, err)
		}
		return Request{Connect: &c}, nil
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnsupportedRequest, kind)
	}
}

// EncodeResponse serializes r. It fails if r has no variant set.
func EncodeResponse(r Response) ([]byte, error) {
	switch {
	case r.Connected != nil:
		return encodeVariant(KindConnected, r.Connected)
	default:
		return nil, fmt.Errorf("encode response: no variant set")
	}
}

// DecodeResponse parses a response. Malformed input fails with
// ErrDeserialization; an unknown kind fails with ErrUnexpectedResponse.
func DecodeResponse(data []byte) (Response, error) {
	kind, raw, err := decodeVariant(data)
	if err != nil {
		return Response{}, err
	}
	switch kind {
	case KindConnected:
		var c Connected
		if err := decMode.Unmarshal(raw, &c); err != nil {
			return Response{}, fmt.Errorf("%w: %s: %w", ErrDeserialization, kind, err)
		}
		return Response{Connected: &c}, nil
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnexpectedResponse, kind)
	}
}

// encodeVariant writes the externally tagged form {kind: fields}.
func encodeVariant(kind string, fields any) ([]byte, error) {
	return encMode.Marshal(map[string]any{kind: fields})
}

// decodeVariant splits an externally tagged message into its kind and the
// still-encoded variant body.
func decodeVariant(data []byte) (string, cbor.RawMessage, error) {
	var m map[string]cbor.RawMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one variant, got %d", ErrDeserialization, len(m))
	}
	var kind string
	var raw cbor.RawMessage
	for k, v := range m {
		kind, raw = k, v
	}
	return kind, raw, nil
}
