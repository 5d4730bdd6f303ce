package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreDefaultsToEmpty(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Empty, got)
}

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, `[{"pid":"P1000"}]`))
	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[{"pid":"P1000"}]`, got)

	require.NoError(t, s.Put(ctx, `[{"pid":"P1001"}]`))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[{"pid":"P1001"}]`, got)
}

func TestRefreshReplacesStoredCatalogue(t *testing.T) {
	s := NewMemoryStore()
	r := NewRefresher(s, func(context.Context) (string, error) {
		return `["fresh"]`, nil
	}, zerolog.Nop())

	got, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `["fresh"]`, got)

	stored, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `["fresh"]`, stored)
}

func TestFailedRefreshPreservesPreviousCatalogue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, `["old"]`))

	r := NewRefresher(s, func(context.Context) (string, error) {
		return "", errors.New("no judge server")
	}, zerolog.Nop())

	_, err := r.Refresh(ctx)
	require.Error(t, err)

	stored, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, `["old"]`, stored)
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	s := NewMemoryStore()

	var mu sync.Mutex
	fetches := 0
	started := make(chan struct{})
	release := make(chan struct{})

	r := NewRefresher(s, func(context.Context) (string, error) {
		mu.Lock()
		fetches++
		first := fetches == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return `["once"]`, nil
	}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Refresh(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, `["once"]`, got)
		}()
	}

	<-started
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fetches, "concurrent refreshes must share one fetch")
}
