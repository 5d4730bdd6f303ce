// Package protocol implements the framed text protocol spoken on every
// backend TCP connection: a single ASCII tag byte (command in requests,
// status in responses), a 7-character decimal length field whose digits
// are transmitted in reverse order, and exactly that many bytes of UTF-8
// body. Frames carry no correlation identifier; matching responses to
// requests is the transport layer's job.
package protocol

import (
	"errors"
	"strconv"
)

const (
	// HeaderSize is the fixed number of bytes before the body: one tag
	// byte plus the 7-character length field.
	HeaderSize = 8

	// MaxBodySize is the largest body the 7-digit length field can
	// describe.
	MaxBodySize = 9999999
)

// Command tags sent by this side. The remote servers define the set; these
// are the ones this system uses.
const (
	CmdVerify   byte = 'V' // cookie verification; also problem-list query (body = version string)
	CmdLogin    byte = 'L' // login, username then password in two frames
	CmdQuery    byte = 'Q' // account short query / partial record query
	CmdChange   byte = 'C' // account update gate and commit / record code query
	CmdUsername byte = 'U' // new username during account update
	CmdPassword byte = 'P' // new password during account update / discussion post target
	CmdRecord   byte = 'R' // record report to account tier / full record query / message post
	CmdSubmit   byte = 'S' // discussion payloads and submit uid step
	CmdGet      byte = 'G' // paginated get (records, messages, discussion pages)
	CmdOption   byte = 'O' // submission metadata (problem id, language)
	CmdFinish   byte = 'F' // final code frame of a submission
	CmdAuth     byte = 'A' // source-visibility authorization check
)

// Status tags returned by the remote servers.
const (
	StatusYes   byte = 'Y'
	StatusNo    byte = 'N'
	StatusOK    byte = 'O'
	StatusError byte = 'E'
)

// Frame is one decoded protocol message.
type Frame struct {
	Tag  byte
	Body string
}

// ErrIncomplete is returned by Decode when the buffer does not yet hold a
// full frame. The caller must keep the buffer intact and retry after more
// data arrives.
var ErrIncomplete = errors.New("protocol: incomplete frame")

// ErrBadLength is returned by Decode when the length field contains no
// parseable digits. This is a fatal framing error: the connection can no
// longer be trusted to be frame-aligned and must be torn down.
var ErrBadLength = errors.New("protocol: malformed length field")

// Encode builds the wire bytes for one frame.
//
// Parameters:
//   - tag: The command byte
//   - data: The body; may be empty
//
// Returns:
//   - The full frame: tag, reversed zero-padded length field, body bytes
func Encode(tag byte, data string) []byte {
	body := []byte(data)
	out := make([]byte, HeaderSize+len(body))
	out[0] = tag

	field := []byte(strconv.Itoa(len(body)))
	// Digits go out in reverse order, then zero padding up to width 7.
	for i, j := 0, len(field)-1; j >= 0; i, j = i+1, j-1 {
		out[1+i] = field[j]
	}
	for i := len(field); i < HeaderSize-1; i++ {
		out[1+i] = '0'
	}

	copy(out[HeaderSize:], body)
	return out
}

// Decode attempts to read one frame from the front of buf.
//
// Concatenated frames may arrive together, so callers should invoke Decode
// repeatedly against the same buffer, advancing it by the consumed count,
// until ErrIncomplete.
//
// Parameters:
//   - buf: Accumulated unparsed connection bytes
//
// Returns:
//   - The decoded frame
//   - The number of bytes consumed from buf (0 unless a frame was decoded)
//   - ErrIncomplete if more data is needed, ErrBadLength on a fatal
//     framing error, nil on success
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrIncomplete
	}

	length, err := expandLength(buf[1:HeaderSize])
	if err != nil {
		return Frame{}, 0, err
	}

	total := HeaderSize + length
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}

	return Frame{Tag: buf[0], Body: string(buf[HeaderSize:total])}, total, nil
}

// expandLength parses the reversed length field. Trailing non-digit bytes
// are stripped before reversing; some peers pad the field with garbage
// instead of zeros.
func expandLength(field []byte) (int, error) {
	end := len(field)
	for end > 0 && (field[end-1] < '0' || field[end-1] > '9') {
		end--
	}
	if end == 0 {
		return 0, ErrBadLength
	}

	n := 0
	for i := end - 1; i >= 0; i-- {
		c := field[i]
		if c < '0' || c > '9' {
			return 0, ErrBadLength
		}
		n = n*10 + int(c-'0')
	}

	return n, nil
}
