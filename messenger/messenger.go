// Package messenger defines the boundary to the external messaging
// collaborator: a component that logs into a third-party website with a
// scraped browser session to deliver and read verification messages. The
// collaborator is slow, unreliable, and rate-limited, so all calls to it
// are serialized through Serializer; the dispatch layer never talks to an
// implementation directly.
package messenger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Messenger is the two-operation contract of the external collaborator.
type Messenger interface {
	// SendMessage delivers text to targetUser through the scraped
	// session identified by sessionUID/sessionCookie.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - sessionUID: The scraped session's user id
	//   - sessionCookie: The scraped session's cookie value
	//   - targetUser: The external user to message
	//   - text: The message body
	SendMessage(ctx context.Context, sessionUID, sessionCookie, targetUser, text string) error

	// FetchLatestMessage returns the most recent message received from
	// targetUser in the scraped session.
	FetchLatestMessage(ctx context.Context, sessionUID, sessionCookie, targetUser string) (string, error)
}

// Serializer wraps a Messenger so that at most one call is in flight at a
// time, with a cooldown between consecutive calls. The third-party site
// rate-limits aggressively; concurrent scraping sessions get the account
// flagged.
type Serializer struct {
	inner    Messenger
	sem      *semaphore.Weighted
	cooldown time.Duration
	log      zerolog.Logger
}

// NewSerializer wraps inner with the one-at-a-time gate.
//
// Parameters:
//   - inner: The real collaborator implementation
//   - cooldown: Minimum gap between the end of one call and the start of
//     the next; the original deployment uses 3s
//   - log: Logger for gate diagnostics
//
// Returns:
//   - A Messenger that serializes all calls to inner
func NewSerializer(inner Messenger, cooldown time.Duration, log zerolog.Logger) *Serializer {
	return &Serializer{
		inner:    inner,
		sem:      semaphore.NewWeighted(1),
		cooldown: cooldown,
		log:      log.With().Str("component", "messenger").Logger(),
	}
}

// SendMessage implements Messenger.
func (s *Serializer) SendMessage(ctx context.Context, sessionUID, sessionCookie, targetUser, text string) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.releaseAfterCooldown()

	return s.inner.SendMessage(ctx, sessionUID, sessionCookie, targetUser, text)
}

// FetchLatestMessage implements Messenger.
func (s *Serializer) FetchLatestMessage(ctx context.Context, sessionUID, sessionCookie, targetUser string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.releaseAfterCooldown()

	return s.inner.FetchLatestMessage(ctx, sessionUID, sessionCookie, targetUser)
}

// releaseAfterCooldown keeps the gate held for the cooldown window so the
// next caller cannot start immediately after this one finishes.
func (s *Serializer) releaseAfterCooldown() {
	if s.cooldown <= 0 {
		s.sem.Release(1)
		return
	}

	go func() {
		time.Sleep(s.cooldown)
		s.sem.Release(1)
	}()
}
