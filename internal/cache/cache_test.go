package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoadsOnce(t *testing.T) {
	c := New(time.Minute)
	var loads atomic.Int64
	loader := func(ctx context.Context) (interface{}, error) {
		loads.Add(1)
		return "value", nil
	}

	v, err := c.Get(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	v, err = c.Get(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.Equal(t, int64(1), loads.Load())

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	c := New(time.Minute)
	var loads atomic.Int64
	gate := make(chan struct{})
	loader := func(ctx context.Context) (interface{}, error) {
		loads.Add(1)
		<-gate
		return "shared", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", loader)
			require.NoError(t, err)
			assert.Equal(t, "shared", v)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), loads.Load(), "concurrent misses collapse into one loader run")
}

func TestLoaderErrorIsNotCached(t *testing.T) {
	c := New(time.Minute)
	calls := 0
	_, err := c.Get(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	v, err := c.Get(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestGetReturnsWhenCallerExpires(t *testing.T) {
	c := New(time.Minute)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Get(ctx, "k", func(ctx context.Context) (interface{}, error) {
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second,
		"an expired caller must not wait for the loader")
}

func TestSlowLoaderStillFillsEntry(t *testing.T) {
	c := New(time.Minute)
	release := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "k", func(ctx context.Context) (interface{}, error) {
		<-release
		return "filled", nil
	})
	require.Error(t, err)

	// The abandoned loader keeps running and completes the entry.
	close(release)
	require.Eventually(t, func() bool {
		v, ok := c.Peek("k")
		return ok && v == "filled"
	}, time.Second, 5*time.Millisecond)
}

func TestExpiry(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Set("k", 1)
	_, ok := c.Peek("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Peek("k")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Len(), "expired entry lingers until purge")
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 0, c.Len())
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(time.Minute)
	c.Set("SEC-1|FOR_LOAN|2026-08-24", 1)
	c.Set("SEC-1|LOCATE|2026-08-24", 2)
	c.Set("SEC-2|LOCATE|2026-08-24", 3)

	assert.Equal(t, 2, c.InvalidatePrefix("SEC-1|"))
	_, ok := c.Peek("SEC-1|LOCATE|2026-08-24")
	assert.False(t, ok)
	_, ok = c.Peek("SEC-2|LOCATE|2026-08-24")
	assert.True(t, ok)
}
