package tx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "certchain/pkg/domain-errors"
)

func TestShardedRunner_SerializesSameKey(t *testing.T) {
	r := NewShardedRunner(time.Second)
	ctx := WithLockKey(context.Background(), "CRT-20260301-7K2QXA")

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.RunInTx(ctx, func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestShardedRunner_NestedCallsReuseTheLock(t *testing.T) {
	r := NewShardedRunner(time.Second)
	ctx := WithLockKey(context.Background(), "k")

	called := false
	err := r.RunInTx(ctx, func(ctx context.Context) error {
		return r.RunInTx(ctx, func(context.Context) error {
			called = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestShardedRunner_CancelledContext(t *testing.T) {
	r := NewShardedRunner(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.RunInTx(ctx, func(context.Context) error { return nil })
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
}
