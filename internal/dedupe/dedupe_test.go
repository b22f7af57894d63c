package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrFetchSharesOneFlight(t *testing.T) {
	g := New[string]("test", nil, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	produce := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	const callers = 50
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, err := g.GetOrFetch(context.Background(), "k", produce)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "value", v)
	}

	// retained: no further producer calls
	v, err := g.GetOrFetch(context.Background(), "k", produce)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, g.Len())
}

func TestGetOrFetchFailureIsEvicted(t *testing.T) {
	g := New[int]("test", nil, nil)
	boom := errors.New("boom")

	var calls atomic.Int32
	_, err := g.GetOrFetch(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, g.Len())

	v, err := g.GetOrFetch(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrFetchCallerLeavesEarly(t *testing.T) {
	g := New[string]("test", nil, nil)
	release := make(chan struct{})
	produced := make(chan error, 1)
	produce := func(ctx context.Context) (string, error) {
		<-release
		produced <- ctx.Err()
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.GetOrFetch(ctx, "k", produce)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.NoError(t, <-produced, "producer context must not be cancelled by callers")

	require.Eventually(t, func() bool { return g.Len() == 1 }, time.Second, 5*time.Millisecond)
	v, err := g.GetOrFetch(context.Background(), "k", produce)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestForget(t *testing.T) {
	g := New[string]("test", nil, nil)
	var calls atomic.Int32
	produce := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	_, err := g.GetOrFetch(context.Background(), "k", produce)
	require.NoError(t, err)
	g.Forget("k")
	assert.Equal(t, 0, g.Len())

	_, err = g.GetOrFetch(context.Background(), "k", produce)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestForgetDuringFlightDiscardsResult(t *testing.T) {
	g := New[string]("test", nil, nil)
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := g.GetOrFetch(context.Background(), "k", func(ctx context.Context) (string, error) {
			<-release
			return "stale", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "stale", v)
	}()
	time.Sleep(10 * time.Millisecond)
	g.Forget("k")
	close(release)
	<-done

	assert.Equal(t, 0, g.Len())
}

func TestForgetOtherKeyKeepsResult(t *testing.T) {
	g := New[string]("test", nil, nil)
	release := make(chan struct{})

	var calls atomic.Int32
	produce := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "b-value", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := g.GetOrFetch(context.Background(), "b", produce)
		assert.NoError(t, err)
	}()
	time.Sleep(10 * time.Millisecond)
	g.Forget("a")
	close(release)
	<-done

	v, err := g.GetOrFetch(context.Background(), "b", produce)
	require.NoError(t, err)
	assert.Equal(t, "b-value", v)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, g.Len())
}
