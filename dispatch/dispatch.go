// Package dispatch implements the orchestration protocols: one method per
// user-facing operation, each a short fixed script of frame exchanges
// over one or two session clients. Every cookie-gated operation starts
// with a verification round-trip against the account client and fails
// without touching the judge tier when it does not come back "Y".
//
// All failure modes (missing connection, verification failure, remote
// rejection, timeout, malformed input) are caught at the operation
// boundary and returned as errors; nothing here panics or propagates a
// raw transport fault.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/cyberinferno/judge-dispatch/catalog"
	"github.com/cyberinferno/judge-dispatch/ident"
	"github.com/cyberinferno/judge-dispatch/messenger"
	"github.com/cyberinferno/judge-dispatch/protocol"
	"github.com/cyberinferno/judge-dispatch/registry"
	"github.com/cyberinferno/judge-dispatch/sessionclient"
)

var (
	// ErrVerifyFailed means the account service did not answer "Y" to
	// the cookie verification round-trip.
	ErrVerifyFailed = errors.New("dispatch: cookie verification failed")

	// ErrMalformedCookie means no user id could be extracted from the
	// cookie.
	ErrMalformedCookie = errors.New("dispatch: malformed cookie")

	// ErrUnsupportedLanguage is returned by Submit before any network
	// call when the language is not on the allow-list.
	ErrUnsupportedLanguage = errors.New("dispatch: unsupported language")

	// ErrUnknownRecord means the judge tier has no record under the
	// given id (partial query answered with a negative score marker).
	ErrUnknownRecord = errors.New("dispatch: unknown record id")
)

// RemoteError is a protocol-level rejection: the remote answered with an
// error or refusal status. It is surfaced to the caller and never retried
// automatically.
type RemoteError struct {
	Tag  byte
	Body string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("dispatch: remote rejected request (%c): %s", e.Tag, e.Body)
}

// codeRedactedNotice replaces the source code when the account tier does
// not authorize the caller to view it.
const codeRedactedNotice = "//You're not allowed to view this code!!!"

// supportedLanguages is the fixed allow-list of compiler/version strings
// the judge tier accepts.
var supportedLanguages = map[string]bool{
	"C++14": true, "c++14": true, "C++14-O2": true, "c++14-O2": true,
	"C++17": true, "c++17": true, "C++17-O2": true, "c++17-O2": true,
	"C++20": true, "c++20": true, "C++20-O2": true, "c++20-O2": true,
}

// RecordDetail is the result of GetRecord.
type RecordDetail struct {
	// Partial is true when only the short result was available (the
	// record exists but has not been fully judged yet).
	Partial bool
	// Result is the result document returned by the judge server.
	Result string
	// Code is the submission source, the redaction notice when the
	// caller is not authorized, or empty on a partial result.
	Code string
	// CodeRedacted is true when Code holds the redaction notice.
	CodeRedacted bool
}

// Dispatcher routes operations to the backend tier. Construct with New;
// the registry must be started by the caller.
type Dispatcher struct {
	reg       *registry.Registry
	store     catalog.Store
	refresher *catalog.Refresher
	external  messenger.Messenger
	version   string
	log       zerolog.Logger
}

// New creates a Dispatcher.
//
// Parameters:
//   - reg: The started connection registry
//   - store: Problem-catalogue store (memory or Redis backed)
//   - external: The serialized external messaging collaborator; may be
//     nil when the deployment has none
//   - version: Protocol version string sent with problem-list requests
//   - log: Base logger
//
// Returns:
//   - A ready Dispatcher
func New(reg *registry.Registry, store catalog.Store, external messenger.Messenger, version string, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		store:    store,
		external: external,
		version:  version,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
	d.refresher = catalog.NewRefresher(store, d.fetchProblemList, log)

	return d
}

// withClient runs fn while holding the client's advisory lock, refusing
// up front when the client is not connected. Every multi-frame
// conversation in this package goes through here; the lock is what keeps
// positional correlation safe on the shared socket.
func withClient(ctx context.Context, c *sessionclient.Client, fn func() error) error {
	if !c.IsConnected() {
		return sessionclient.ErrNotConnected
	}
	if err := c.Acquire(ctx); err != nil {
		return err
	}
	defer c.Release()

	return fn()
}

// verifyCookie is the gate run at the start of every cookie-gated
// operation: V on the account client must answer exactly "Y".
func (d *Dispatcher) verifyCookie(ctx context.Context, cookie string) error {
	acct, err := d.reg.AccountClient()
	if err != nil {
		return err
	}

	return withClient(ctx, acct, func() error {
		resp, err := acct.SendAndWait(ctx, protocol.CmdVerify, cookie)
		if err != nil {
			return err
		}
		if resp.Body != "Y" {
			return ErrVerifyFailed
		}
		return nil
	})
}

// VerifyCookie checks a session cookie against the account service.
//
// Returns:
//   - true if the account service answered "Y"
//   - An error on transport failure; a plain "N" answer yields
//     (false, nil)
func (d *Dispatcher) VerifyCookie(ctx context.Context, cookie string) (bool, error) {
	err := d.verifyCookie(ctx, cookie)
	if errors.Is(err, ErrVerifyFailed) {
		return false, nil
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to verify cookie")
		return false, err
	}

	return true, nil
}

// Login authenticates against the account service. The username goes out
// fire-and-forget; the password frame's response body is the newly minted
// session cookie (or an error message from the account service).
//
// Parameters:
//   - ctx: Context for cancellation
//   - username, password: Credentials as received from the caller
//
// Returns:
//   - The response body: the new cookie on success, the account
//     service's error string otherwise
//   - An error on transport failure
func (d *Dispatcher) Login(ctx context.Context, username, password string) (string, error) {
	acct, err := d.reg.AccountClient()
	if err != nil {
		return "", err
	}

	var body string
	err = withClient(ctx, acct, func() error {
		if err := acct.SendOnly(protocol.CmdLogin, username); err != nil {
			return err
		}
		resp, err := acct.SendAndWait(ctx, protocol.CmdLogin, password)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to login")
		return "", err
	}

	return body, nil
}

// GetAccountInfo returns the short profile (username and public-code
// setting) for the cookie's own user.
//
// Returns:
//   - The account service's profile document
//   - ErrVerifyFailed, ErrMalformedCookie, or a transport error
func (d *Dispatcher) GetAccountInfo(ctx context.Context, cookie string) (string, error) {
	acct, err := d.reg.AccountClient()
	if err != nil {
		return "", err
	}

	var body string
	err = withClient(ctx, acct, func() error {
		resp, err := acct.SendAndWait(ctx, protocol.CmdVerify, cookie)
		if err != nil {
			return err
		}
		if resp.Body != "Y" {
			return ErrVerifyFailed
		}

		uid, ok := ident.ExtractUserID(cookie)
		if !ok {
			return ErrMalformedCookie
		}

		resp, err = acct.SendAndWait(ctx, protocol.CmdQuery, uid)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to get account info")
		return "", err
	}

	return body, nil
}

// UpdateAccountInfo changes username, password, and the public-code
// setting in one conversation. The account service gates the whole script
// on the cookie sent with the first C frame.
//
// Returns:
//   - ErrVerifyFailed if the cookie was refused, a *RemoteError if the
//     commit was refused, or a transport error
func (d *Dispatcher) UpdateAccountInfo(ctx context.Context, cookie, username, password, publicCode string) error {
	acct, err := d.reg.AccountClient()
	if err != nil {
		return err
	}

	err = withClient(ctx, acct, func() error {
		resp, err := acct.SendAndWait(ctx, protocol.CmdChange, cookie)
		if err != nil {
			return err
		}
		if resp.Body == "N" {
			return ErrVerifyFailed
		}

		if err := acct.SendOnly(protocol.CmdUsername, username); err != nil {
			return err
		}
		if err := acct.SendOnly(protocol.CmdPassword, password); err != nil {
			return err
		}

		resp, err = acct.SendAndWait(ctx, protocol.CmdChange, publicCode)
		if err != nil {
			return err
		}
		if resp.Body != "Y" {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to update account info")
		return err
	}

	return nil
}

// SendExternalMessage forwards to the serialized external messaging
// collaborator. Calls are processed one at a time.
func (d *Dispatcher) SendExternalMessage(ctx context.Context, sessionUID, sessionCookie, targetUser, text string) error {
	if d.external == nil {
		return errors.New("dispatch: no external messenger configured")
	}

	return d.external.SendMessage(ctx, sessionUID, sessionCookie, targetUser, text)
}

// FetchExternalMessage forwards to the serialized external messaging
// collaborator.
func (d *Dispatcher) FetchExternalMessage(ctx context.Context, sessionUID, sessionCookie, targetUser string) (string, error) {
	if d.external == nil {
		return "", errors.New("dispatch: no external messenger configured")
	}

	return d.external.FetchLatestMessage(ctx, sessionUID, sessionCookie, targetUser)
}

// parseJSONField pulls one field out of a result document, preserving the
// exact textual form of numbers.
func parseJSONField(doc, field string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()

	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return "", fmt.Errorf("dispatch: malformed result document: %w", err)
	}
	v, ok := m[field]
	if !ok {
		return "", fmt.Errorf("dispatch: result document missing %q", field)
	}

	return fmt.Sprint(v), nil
}

// atoiSequence parses the decimal sequence value a judge server assigns.
func atoiSequence(body string) (int, error) {
	n, err := strconv.Atoi(body)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("dispatch: malformed sequence value %q", body)
	}

	return n, nil
}
