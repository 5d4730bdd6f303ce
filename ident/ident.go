// Package ident implements the self-describing identifier schemes used
// for routing: composite record IDs that embed the owning judge server,
// and the user id embedded at the front of a session cookie.
//
// Composite record IDs are 8 uppercase hex characters: 2 for the judge
// server id (0-255) followed by 6 for the sequence value that server
// assigned (0-16777215). Any later query carrying such an id can locate
// the owning server without a lookup table.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidID is returned by ParseRecordID for anything that is not
// exactly 8 hex characters.
var ErrInvalidID = errors.New("ident: invalid id")

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// BuildRecordID encodes a judge server id and the sequence value it
// assigned into a composite record id.
//
// Parameters:
//   - serverID: The owning judge server, 0-255
//   - sequence: The server-local sequence value, 0-16777215
//
// Returns:
//   - The 8-character uppercase hex id
func BuildRecordID(serverID int, sequence int) string {
	return fmt.Sprintf("%02X%06X", serverID&0xff, sequence&0xffffff)
}

// ParseRecordID decodes a composite record id back into its parts.
//
// Parameters:
//   - id: The composite id to decode
//
// Returns:
//   - The owning judge server id
//   - The server-local sequence value
//   - ErrInvalidID unless id is exactly 8 hex characters
func ParseRecordID(id string) (serverID int, sequence int, err error) {
	if !hexPattern.MatchString(id) {
		return 0, 0, ErrInvalidID
	}

	s, err := strconv.ParseInt(id[:2], 16, 32)
	if err != nil {
		return 0, 0, ErrInvalidID
	}
	v, err := strconv.ParseInt(id[2:], 16, 32)
	if err != nil {
		return 0, 0, ErrInvalidID
	}

	return int(s), int(v), nil
}

// ExtractUserID reads the user id embedded in a session cookie. The first
// character is a decimal digit giving the id's length; the id follows
// immediately. Cookies are minted by the account service and otherwise
// opaque.
//
// Parsing fails closed: any malformed cookie yields ok == false.
//
// Parameters:
//   - cookie: The session cookie
//
// Returns:
//   - The embedded user id
//   - false if the cookie is empty, the length byte is not a positive
//     digit, or the declared length exceeds the remaining characters
func ExtractUserID(cookie string) (string, bool) {
	if len(cookie) < 2 {
		return "", false
	}

	n := int(cookie[0] - '0')
	if n <= 0 || n > 9 {
		return "", false
	}
	if len(cookie) < 1+n {
		return "", false
	}

	return cookie[1 : 1+n], true
}
