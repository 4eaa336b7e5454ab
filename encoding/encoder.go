// Package encoding turns in-memory values into opaque wire payloads and
// back, with a transparent gzip wrapper selected by a size threshold and a
// bytes-passthrough fast path. See spec.md §4.1 for the wire shape.
package encoding

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/debox-dev/wormhole/wherr"
)

// Leading-byte markers for the three wire shapes.
const (
	markerBytes  = '%'
	markerGzip   = '$'
	compressedOK = 2048 // bytes; serialized forms larger than this get gzipped
)

// Encoder encodes values to bytes and decodes bytes back to values.
type Encoder struct {
	threshold int
}

// New returns an Encoder using the default compression threshold (2048
// bytes), matching spec §4.1's compile-time constant.
func New() *Encoder {
	return &Encoder{threshold: compressedOK}
}

// Encode serializes v. A []byte input is passed through untouched behind a
// '%' marker; anything else, strings included, is msgpack-serialized so it
// decodes back to the same type. Forms exceeding the compression threshold
// are wrapped in gzip behind a '$' marker.
func (e *Encoder) Encode(v any) ([]byte, error) {
	var body []byte
	switch data := v.(type) {
	case []byte:
		body = append([]byte{markerBytes}, data...)
	default:
		packed, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("wormhole: failed to encode value: %w", err)
		}
		body = packed
	}

	if len(body) <= e.threshold {
		return body, nil
	}
	return e.gzipWrap(body)
}

func (e *Encoder) gzipWrap(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(markerGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("wormhole: failed to gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wormhole: failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode inverts Encode, auto-detecting the wire shape from the leading
// byte. out must be a pointer, matching msgpack.Unmarshal's contract, unless
// the payload is bytes-passthrough, in which case out must be *[]byte or
// *string.
func (e *Encoder) Decode(data []byte, out any) error {
	raw, err := e.unwrapGzip(data)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return &wherr.DecodeError{Repr: reprBytes(data), Err: fmt.Errorf("empty payload")}
	}

	switch raw[0] {
	case markerBytes:
		payload := raw[1:]
		switch dst := out.(type) {
		case *[]byte:
			*dst = payload
			return nil
		case *string:
			*dst = string(payload)
			return nil
		case *any:
			*dst = payload
			return nil
		default:
			return &wherr.DecodeError{Repr: reprBytes(data), Err: fmt.Errorf("bytes payload requested into non-bytes destination")}
		}
	default:
		if err := msgpack.Unmarshal(raw, out); err != nil {
			return &wherr.DecodeError{Repr: reprBytes(data), Err: err}
		}
		return nil
	}
}

// DecodeAny decodes into a freshly allocated any, the shape used when a
// handler doesn't know its payload type ahead of time.
func (e *Encoder) DecodeAny(data []byte) (any, error) {
	raw, err := e.unwrapGzip(data)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &wherr.DecodeError{Repr: reprBytes(data), Err: fmt.Errorf("empty payload")}
	}
	if raw[0] == markerBytes {
		return raw[1:], nil
	}
	var v any
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, &wherr.DecodeError{Repr: reprBytes(data), Err: err}
	}
	return v, nil
}

func (e *Encoder) unwrapGzip(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	if data[0] != markerGzip {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data[1:]))
	if err != nil {
		return nil, &wherr.DecodeError{Repr: reprBytes(data), Err: fmt.Errorf("invalid gzip envelope: %w", err)}
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, &wherr.DecodeError{Repr: reprBytes(data), Err: fmt.Errorf("failed to inflate gzip envelope: %w", err)}
	}
	return raw, nil
}

func reprBytes(data []byte) string {
	const maxLen = 64
	if len(data) > maxLen {
		return fmt.Sprintf("%q...(%d bytes)", data[:maxLen], len(data))
	}
	return fmt.Sprintf("%q", data)
}
