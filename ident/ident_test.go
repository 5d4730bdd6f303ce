package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordID(t *testing.T) {
	assert.Equal(t, "03000042", BuildRecordID(3, 66))
	assert.Equal(t, "00000000", BuildRecordID(0, 0))
	assert.Equal(t, "FFFFFFFF", BuildRecordID(255, 16777215))
	assert.Equal(t, "0A00002A", BuildRecordID(10, 42))
}

func TestRecordIDRoundTrip(t *testing.T) {
	servers := []int{0, 1, 3, 17, 128, 255}
	sequences := []int{0, 1, 42, 66, 4095, 1000000, 16777215}

	for _, s := range servers {
		for _, v := range sequences {
			id := BuildRecordID(s, v)
			require.Len(t, id, 8)

			gotServer, gotSeq, err := ParseRecordID(id)
			require.NoError(t, err)
			assert.Equal(t, s, gotServer)
			assert.Equal(t, v, gotSeq)
		}
	}
}

func TestParseRecordIDAcceptsLowercase(t *testing.T) {
	s, v, err := ParseRecordID("0a00002a")
	require.NoError(t, err)
	assert.Equal(t, 10, s)
	assert.Equal(t, 42, v)
}

func TestParseRecordIDRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"0300004",   // too short
		"030000420", // too long
		"0300004G",  // non-hex
		"03 00042",
		"-3000042",
	}

	for _, id := range bad {
		_, _, err := ParseRecordID(id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestExtractUserID(t *testing.T) {
	uid, ok := ExtractUserID("5abcdetherest")
	require.True(t, ok)
	assert.Equal(t, "abcde", uid)

	uid, ok = ExtractUserID("1x")
	require.True(t, ok)
	assert.Equal(t, "x", uid)
}

func TestExtractUserIDFailsClosed(t *testing.T) {
	cases := []string{
		"",
		"5",    // nothing after the length byte
		"9ab",  // declared length exceeds remaining characters
		"0abc", // zero is not a valid length
		"xabc", // non-digit length byte
	}

	for _, cookie := range cases {
		uid, ok := ExtractUserID(cookie)
		assert.False(t, ok, "cookie %q", cookie)
		assert.Empty(t, uid)
	}
}
