package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/backendtest"
)

// probe records the peak number of concurrent Embed calls.
type probe struct {
	*backendtest.Fake
	active, peak atomic.Int32
}

func (p *probe) Embed(b backend.Batch) ([]backend.Embedding, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return p.Fake.Embed(b)
}

func TestSerialized(t *testing.T) {
	p := &probe{Fake: backendtest.NewFake()}
	s := Serialize(p)
	assert.Same(t, s, Serialize(s))

	b, err := backend.NewBatch(backend.Sequence{InputIDs: []uint32{1}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Embed(b)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), p.peak.Load())
	assert.Len(t, p.Calls(), 8)

	p.SetHealthy(false)
	require.ErrorIs(t, s.Health(), backend.ErrUnhealthy)
	require.NoError(t, s.Close())
}

func TestCall(t *testing.T) {
	t.Run("Completes", func(t *testing.T) {
		v, err := Call(context.Background(), func() (int, error) { return 42, nil })
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("PropagatesError", func(t *testing.T) {
		_, err := Call(context.Background(), func() (int, error) { return 0, backend.Unhealthy() })
		require.ErrorIs(t, err, backend.ErrUnhealthy)
	})

	t.Run("TimesOut", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := Call(ctx, func() (int, error) {
			<-release
			return 1, nil
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, IsTimeout(err))
	})

	t.Run("AlreadyCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		_, err := Call(ctx, func() (int, error) { called = true; return 0, nil })
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
