// Package catalog caches the problem catalogue served by the judge tier.
// The catalogue is a JSON document fetched from whichever judge server is
// available and consumed read-only by listing calls; it has one writer
// (the periodic refresh) and many readers, and stale reads during a
// refresh are acceptable.
package catalog

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"
)

// Empty is what readers see before the first successful refresh.
const Empty = "[]"

// FetchFunc retrieves the current catalogue from a judge server.
type FetchFunc func(ctx context.Context) (string, error)

// Store holds the latest catalogue document. Implementations must be safe
// for one concurrent writer and many readers.
type Store interface {
	// Put replaces the stored catalogue.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - list: The new catalogue document
	Put(ctx context.Context, list string) error

	// Get returns the stored catalogue, or Empty if none was stored yet.
	Get(ctx context.Context) (string, error)
}

// Refresher replaces the stored catalogue with a freshly fetched one.
// Concurrent Refresh calls are collapsed into a single fetch, so a slow
// judge server is asked at most once at a time.
type Refresher struct {
	store Store
	fetch FetchFunc
	group singleflight.Group
	log   zerolog.Logger
}

// NewRefresher creates a Refresher over the given store and fetch
// function.
func NewRefresher(store Store, fetch FetchFunc, log zerolog.Logger) *Refresher {
	return &Refresher{
		store: store,
		fetch: fetch,
		log:   log.With().Str("component", "catalog").Logger(),
	}
}

// Refresh fetches the catalogue and replaces the stored copy. A failed
// fetch leaves the previous catalogue in place.
//
// Returns:
//   - The fetched catalogue
//   - An error if the fetch or store failed
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	val, err, _ := r.group.Do("problems", func() (interface{}, error) {
		list, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.store.Put(ctx, list); err != nil {
			return nil, err
		}
		return list, nil
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("catalogue refresh failed")
		return "", err
	}

	return val.(string), nil
}

// Run refreshes the catalogue on a fixed interval until the context is
// cancelled. One immediate refresh is attempted on entry.
//
// Parameters:
//   - ctx: Cancels the loop
//   - interval: Time between refreshes
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if _, err := r.Refresh(ctx); err == nil {
		r.log.Info().Msg("initial catalogue loaded")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Refresh(ctx)
		}
	}
}
