package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReversesLengthField(t *testing.T) {
	out := Encode('S', "hello")
	require.Len(t, out, HeaderSize+5)
	assert.Equal(t, byte('S'), out[0])
	// 5 bytes -> "0000005" with digits reversed on the wire.
	assert.Equal(t, "5000000", string(out[1:HeaderSize]))
	assert.Equal(t, "hello", string(out[HeaderSize:]))
}

func TestEncodeEmptyBody(t *testing.T) {
	out := Encode('V', "")
	require.Len(t, out, HeaderSize)
	assert.Equal(t, "0000000", string(out[1:HeaderSize]))
}

func TestEncodeMultiDigitLength(t *testing.T) {
	body := strings.Repeat("x", 123)
	out := Encode('F', body)
	// 123 -> "0000123" -> reversed "3210000".
	assert.Equal(t, "3210000", string(out[1:HeaderSize]))
}

func TestRoundTrip(t *testing.T) {
	bodies := []string{
		"",
		"Y",
		"hello",
		strings.Repeat("a", 4096),
		"uniçode 中文",
	}

	for _, body := range bodies {
		frame, consumed, err := Decode(Encode('Q', body))
		require.NoError(t, err)
		assert.Equal(t, byte('Q'), frame.Tag)
		assert.Equal(t, body, frame.Body)
		assert.Equal(t, HeaderSize+len(body), consumed)
	}
}

func TestDecodeConcatenatedFrames(t *testing.T) {
	buf := append(Encode('A', "first"), Encode('B', "second")...)

	f1, n1, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", f1.Body)

	f2, n2, err := Decode(buf[n1:])
	require.NoError(t, err)
	assert.Equal(t, byte('B'), f2.Tag)
	assert.Equal(t, "second", f2.Body)

	_, _, err = Decode(buf[n1+n2:])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeByteAtATime(t *testing.T) {
	wire := Encode('O', "000042")

	for i := 0; i < len(wire); i++ {
		_, consumed, err := Decode(wire[:i])
		assert.ErrorIs(t, err, ErrIncomplete)
		assert.Zero(t, consumed)
	}

	frame, consumed, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, "000042", frame.Body)
	assert.Equal(t, len(wire), consumed)
}

func TestDecodeStripsTrailingGarbageInLength(t *testing.T) {
	// Length field "52zzzzz": strip trailing non-digits, reverse "52" to
	// 25. Some peers pad with garbage instead of zeros.
	body := strings.Repeat("b", 25)
	buf := append([]byte("O52zzzzz"), body...)

	frame, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, body, frame.Body)
	assert.Equal(t, HeaderSize+25, consumed)
}

func TestDecodeMalformedLengthIsFatal(t *testing.T) {
	_, consumed, err := Decode([]byte("Zabcdefgrest of the stream"))
	assert.ErrorIs(t, err, ErrBadLength)
	assert.Zero(t, consumed)
}

func TestDecodeInteriorGarbageIsFatal(t *testing.T) {
	// A non-digit surviving the trailing strip means the field cannot be
	// trusted at all.
	_, _, err := Decode([]byte("Z12x4500........"))
	assert.ErrorIs(t, err, ErrBadLength)
}
