package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/cyberinferno/judge-dispatch/ident"
	"github.com/cyberinferno/judge-dispatch/protocol"
	"github.com/cyberinferno/judge-dispatch/registry"
)

// NewDiscussion opens a discussion thread on an available
// discussion-capable judge server and returns its composite id.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cookie: Session cookie; the operation is verification-gated
//   - title, content: The thread's title and opening post
//
// Returns:
//   - The composite discussion id, self-routing to the owning server
//   - ErrVerifyFailed, registry.ErrNoServerAvailable, a *RemoteError,
//     or a transport error
func (d *Dispatcher) NewDiscussion(ctx context.Context, cookie, title, content string) (string, error) {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to create discussion (cookie)")
		return "", err
	}

	serverID, err := d.reg.SelectServer(registry.Discussion)
	if err != nil {
		return "", err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Discussion)
	if err != nil {
		return "", err
	}

	var id string
	err = withClient(ctx, client, func() error {
		if err := client.SendOnly(protocol.CmdSubmit, content); err != nil {
			return err
		}
		if err := client.SendOnly(protocol.CmdSubmit, title); err != nil {
			return err
		}

		uid, ok := ident.ExtractUserID(cookie)
		if !ok {
			return ErrMalformedCookie
		}
		resp, err := client.SendAndWait(ctx, protocol.CmdSubmit, uid)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusYes {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}

		seq, err := atoiSequence(resp.Body)
		if err != nil {
			return err
		}
		id = ident.BuildRecordID(serverID, seq)
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to create discussion")
		return "", err
	}

	return id, nil
}

// PostDiscussion appends a post to an existing thread. The composite id
// routes the request to the owning judge server.
func (d *Dispatcher) PostDiscussion(ctx context.Context, cookie, discussionID, content string) error {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to post discussion (cookie)")
		return err
	}

	serverID, seq, err := ident.ParseRecordID(discussionID)
	if err != nil {
		return err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Discussion)
	if err != nil {
		return err
	}

	err = withClient(ctx, client, func() error {
		if err := client.SendOnly(protocol.CmdPassword, strconv.Itoa(seq)); err != nil {
			return err
		}
		if err := client.SendOnly(protocol.CmdSubmit, content); err != nil {
			return err
		}

		uid, ok := ident.ExtractUserID(cookie)
		if !ok {
			return ErrMalformedCookie
		}
		resp, err := client.SendAndWait(ctx, protocol.CmdSubmit, uid)
		if err != nil {
			return err
		}
		if resp.Body != "Y" {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to post discussion")
		return err
	}

	return nil
}

// GetDiscussion fetches one page of an existing thread.
//
// Returns:
//   - The page's post list as returned by the judge server
func (d *Dispatcher) GetDiscussion(ctx context.Context, cookie, discussionID, page string) (string, error) {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to get discussion (cookie)")
		return "", err
	}

	serverID, seq, err := ident.ParseRecordID(discussionID)
	if err != nil {
		return "", err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Discussion)
	if err != nil {
		return "", err
	}

	var body string
	err = withClient(ctx, client, func() error {
		if err := client.SendOnly(protocol.CmdGet, strconv.Itoa(seq)); err != nil {
			return err
		}
		resp, err := client.SendAndWait(ctx, protocol.CmdSubmit, page)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusYes {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to get discussion")
		return "", err
	}

	return body, nil
}

// GetDiscussionList fetches one page of the thread index from an
// available discussion-capable judge server.
func (d *Dispatcher) GetDiscussionList(ctx context.Context, cookie, page string) (string, error) {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to get discussion list (cookie)")
		return "", err
	}

	serverID, err := d.reg.SelectServer(registry.Discussion)
	if err != nil {
		return "", err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Discussion)
	if err != nil {
		return "", err
	}

	var body string
	err = withClient(ctx, client, func() error {
		resp, err := client.SendAndWait(ctx, protocol.CmdGet, page)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusYes {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to get discussion list")
		return "", err
	}

	return body, nil
}

// Submit sends code to an available submit-capable judge server and
// reports the resulting record to the account tier.
//
// The script is: uid, problem id, language (fire-and-forget), then the
// code; an E status on either awaited step aborts. On success the
// composite record id is reported to the account client so record
// listings can find it. If that report fails the submission still
// succeeded on the judge tier and the id is returned anyway; the gap is
// logged, not rolled back.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cookie: Session cookie; the operation is verification-gated
//   - problemID: Problem to submit against
//   - language: Must be on the compiler allow-list
//   - code: The source code
//
// Returns:
//   - The composite record id
//   - ErrUnsupportedLanguage (before any network call), ErrVerifyFailed,
//     registry.ErrNoServerAvailable, a *RemoteError, or a transport error
func (d *Dispatcher) Submit(ctx context.Context, cookie, problemID, language, code string) (string, error) {
	if !supportedLanguages[language] {
		d.log.Warn().Str("language", language).Msg("failed to submit (unsupported language)")
		return "", ErrUnsupportedLanguage
	}

	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to submit (cookie)")
		return "", err
	}

	acct, err := d.reg.AccountClient()
	if err != nil {
		return "", err
	}
	serverID, err := d.reg.SelectServer(registry.Submit)
	if err != nil {
		return "", err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Submit)
	if err != nil {
		return "", err
	}

	var recordID string
	err = withClient(ctx, client, func() error {
		uid, ok := ident.ExtractUserID(cookie)
		if !ok {
			return ErrMalformedCookie
		}

		resp, err := client.SendAndWait(ctx, protocol.CmdSubmit, uid)
		if err != nil {
			return err
		}
		if resp.Tag == protocol.StatusError {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}

		resp, err = client.SendAndWait(ctx, protocol.CmdOption, problemID)
		if err != nil {
			return err
		}
		if resp.Tag == protocol.StatusError {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}

		if err := client.SendOnly(protocol.CmdOption, language); err != nil {
			return err
		}

		resp, err = client.SendAndWait(ctx, protocol.CmdFinish, code)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusOK {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}

		seq, err := atoiSequence(resp.Body)
		if err != nil {
			return err
		}
		recordID = ident.BuildRecordID(serverID, seq)

		// Report the new record to the account tier so listings can
		// find it. A failure here is a known consistency gap: the
		// submission already succeeded and is not rolled back.
		if err := withClient(ctx, acct, func() error {
			if err := acct.SendOnly(protocol.CmdRecord, uid); err != nil {
				return err
			}
			return acct.SendOnly(protocol.CmdRecord, recordID)
		}); err != nil {
			d.log.Warn().Err(err).Str("record", recordID).Msg("record report to account tier failed")
		}
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to submit")
		return "", err
	}

	return recordID, nil
}

// GetRecord fetches one submission record in full. When the full result
// file does not exist yet, the short query distinguishes "not yet judged"
// (partial result returned) from "unknown id" (negative score marker).
// Source code is included only when the account tier authorizes the
// caller for the record's owning user.
//
// Returns:
//   - The record detail
//   - ident.ErrInvalidID, ErrUnknownRecord, ErrVerifyFailed, a
//     *RemoteError, or a transport error
func (d *Dispatcher) GetRecord(ctx context.Context, cookie, recordID string) (RecordDetail, error) {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to get record (cookie)")
		return RecordDetail{}, err
	}

	serverID, seq, err := ident.ParseRecordID(recordID)
	if err != nil {
		return RecordDetail{}, err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Query)
	if err != nil {
		return RecordDetail{}, err
	}
	acct, err := d.reg.AccountClient()
	if err != nil {
		return RecordDetail{}, err
	}

	seqStr := strconv.Itoa(seq)

	var detail RecordDetail
	err = withClient(ctx, client, func() error {
		resp, err := client.SendAndWait(ctx, protocol.CmdRecord, seqStr)
		if err != nil {
			return err
		}
		if resp.Tag == protocol.StatusError {
			// No full result file yet; fall back to the short query and
			// use its score marker to tell a pending record from a bad id.
			resp, err = client.SendAndWait(ctx, protocol.CmdQuery, seqStr)
			if err != nil {
				return err
			}
			pts, err := parseJSONField(resp.Body, "pts")
			if err != nil {
				return err
			}
			if len(pts) > 0 && pts[0] == '-' {
				return ErrUnknownRecord
			}
			detail = RecordDetail{Partial: true, Result: resp.Body}
			return nil
		}

		result := resp.Body
		uid, err := parseJSONField(result, "uid")
		if err != nil {
			return err
		}

		authorized := false
		if err := withClient(ctx, acct, func() error {
			if err := acct.SendOnly(protocol.CmdAuth, cookie); err != nil {
				return err
			}
			resp, err := acct.SendAndWait(ctx, protocol.CmdAuth, uid)
			if err != nil {
				return err
			}
			authorized = resp.Tag == protocol.StatusOK
			return nil
		}); err != nil {
			return err
		}

		if !authorized {
			detail = RecordDetail{Result: result, Code: codeRedactedNotice, CodeRedacted: true}
			return nil
		}

		resp, err = client.SendAndWait(ctx, protocol.CmdChange, seqStr)
		if err != nil {
			return err
		}
		detail = RecordDetail{Result: result, Code: resp.Body}
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to get record")
		return RecordDetail{}, err
	}

	return detail, nil
}

// GetRecordList fetches one page of the caller's submission records from
// the account tier. Verification and the list query run in one locked
// conversation on the account client.
func (d *Dispatcher) GetRecordList(ctx context.Context, cookie, page string) (string, error) {
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
		if err := acct.SendOnly(protocol.CmdGet, uid); err != nil {
			return err
		}

		resp, err = acct.SendAndWait(ctx, protocol.CmdGet, page)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusOK {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to get record list")
		return "", err
	}

	return body, nil
}

// PostMessage sends a private message through the message-capable middle
// client, keyed by the sender's embedded user id.
func (d *Dispatcher) PostMessage(ctx context.Context, cookie, target, content string) error {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to post message (cookie)")
		return err
	}

	msg, err := d.reg.MessageClient()
	if err != nil {
		return err
	}

	err = withClient(ctx, msg, func() error {
		uid, ok := ident.ExtractUserID(cookie)
		if !ok {
			return ErrMalformedCookie
		}
		if err := msg.SendOnly(protocol.CmdRecord, uid); err != nil {
			return err
		}
		if err := msg.SendOnly(protocol.CmdRecord, content); err != nil {
			return err
		}

		resp, err := msg.SendAndWait(ctx, protocol.CmdRecord, target)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusOK {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to post message")
		return err
	}

	return nil
}

// GetMessages fetches one page of the caller's private messages.
func (d *Dispatcher) GetMessages(ctx context.Context, cookie, page string) (string, error) {
	if err := d.verifyCookie(ctx, cookie); err != nil {
		d.log.Warn().Err(err).Msg("failed to get messages (cookie)")
		return "", err
	}

	msg, err := d.reg.MessageClient()
	if err != nil {
		return "", err
	}

	var body string
	err = withClient(ctx, msg, func() error {
		uid, ok := ident.ExtractUserID(cookie)
		if !ok {
			return ErrMalformedCookie
		}
		if err := msg.SendOnly(protocol.CmdGet, uid); err != nil {
			return err
		}

		resp, err := msg.SendAndWait(ctx, protocol.CmdGet, page)
		if err != nil {
			return err
		}
		if resp.Tag != protocol.StatusOK {
			return &RemoteError{Tag: resp.Tag, Body: resp.Body}
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to get messages")
		return "", err
	}

	return body, nil
}

// fetchProblemList asks an available submit-capable judge server for its
// current problem catalogue, using the protocol version string as the
// request body.
func (d *Dispatcher) fetchProblemList(ctx context.Context) (string, error) {
	serverID, err := d.reg.SelectServer(registry.Submit)
	if err != nil {
		return "", err
	}
	client, err := d.reg.JudgeClient(serverID, registry.Submit)
	if err != nil {
		return "", err
	}

	var body string
	err = withClient(ctx, client, func() error {
		resp, err := client.SendAndWait(ctx, protocol.CmdVerify, d.version)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return "", err
	}

	return body, nil
}

// RefreshProblemList replaces the cached problem catalogue with a fresh
// copy from the judge tier. Concurrent refreshes collapse into one fetch.
//
// Returns:
//   - The fresh catalogue
//   - An error if no judge server was available or the exchange failed;
//     the previous catalogue stays in place
func (d *Dispatcher) RefreshProblemList(ctx context.Context) (string, error) {
	return d.refresher.Refresh(ctx)
}

// RunProblemListRefresh refreshes the catalogue periodically until the
// context is cancelled.
func (d *Dispatcher) RunProblemListRefresh(ctx context.Context, interval time.Duration) {
	d.refresher.Run(ctx, interval)
}

// Problems returns the cached problem catalogue. Reads are lock-free
// against the single periodic writer; a stale read during a refresh is
// acceptable.
func (d *Dispatcher) Problems(ctx context.Context) (string, error) {
	return d.store.Get(ctx)
}
