package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBytesPassthrough(t *testing.T) {
	e := New()
	input := []byte("hello wormhole")

	encoded, err := e.Encode(input)
	require.NoError(t, err)
	require.Equal(t, byte('%'), encoded[0])

	var out []byte
	require.NoError(t, e.Decode(encoded, &out))
	require.Equal(t, input, out)
}

func TestEncodeDecodeStringValue(t *testing.T) {
	e := New()
	encoded, err := e.Encode("plain string")
	require.NoError(t, err)
	require.Equal(t, byte(0xa0|len("plain string")), encoded[0]) // msgpack fixstr header

	var out string
	require.NoError(t, e.Decode(encoded, &out))
	require.Equal(t, "plain string", out)
}

func TestEncodeDecodeStructRoundTrip(t *testing.T) {
	type Point struct {
		X int
		Y int
	}
	e := New()
	encoded, err := e.Encode(Point{X: 3, Y: 4})
	require.NoError(t, err)

	var out Point
	require.NoError(t, e.Decode(encoded, &out))
	require.Equal(t, Point{X: 3, Y: 4}, out)
}

func TestCompressionThreshold(t *testing.T) {
	e := New()

	small := strings.Repeat("a", 100)
	encodedSmall, err := e.Encode(small)
	require.NoError(t, err)
	require.NotEqual(t, byte('$'), encodedSmall[0])

	large := strings.Repeat("a", 5000)
	encodedLarge, err := e.Encode(large)
	require.NoError(t, err)
	require.Equal(t, byte('$'), encodedLarge[0])

	var out string
	require.NoError(t, e.Decode(encodedLarge, &out))
	require.Equal(t, large, out)
}

func TestLargePayloadRoundTrip(t *testing.T) {
	e := New()

	// 762 KiB, matching the spec's large-payload end-to-end scenario.
	original := strings.Repeat("x", 762*1024)
	encoded, err := e.Encode(original)
	require.NoError(t, err)
	require.Equal(t, byte('$'), encoded[0])

	var decoded string
	require.NoError(t, e.Decode(encoded, &decoded))
	require.Equal(t, original, decoded)
}

func TestDecodeMalformedPayload(t *testing.T) {
	e := New()
	var out string
	err := e.Decode([]byte{0xc1}, &out) // 0xc1 is msgpack's "never used" byte
	require.Error(t, err)
}

func TestDecodeAny(t *testing.T) {
	e := New()
	encoded, err := e.Encode(map[string]any{"a": int64(1)})
	require.NoError(t, err)

	v, err := e.DecodeAny(encoded)
	require.NoError(t, err)
	asMap, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(1), asMap["a"])
}
