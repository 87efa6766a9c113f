package tx

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	dErrors "certchain/pkg/domain-errors"
)

// Runner is the transactional boundary services depend on. The postgres
// implementation wraps a *sql.Tx; ShardedRunner serializes in-memory stores.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type lockKey struct{}
type heldKey struct{}

// WithLockKey names the aggregate a transaction works on. In-memory runs
// that share a key are serialized; postgres ignores it and relies on row locks.
func WithLockKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, lockKey{}, key)
}

// LockKey returns the key set by WithLockKey.
func LockKey(ctx context.Context) string {
	k, _ := ctx.Value(lockKey{}).(string)
	return k
}

const numShards = 128

const defaultShardedTimeout = 5 * time.Second

// ShardedRunner spreads in-memory transactions over 128 mutexes chosen by
// the FNV-1a hash of the lock key. There is no rollback: fn must validate
// before it mutates.
type ShardedRunner struct {
	shards  [numShards]sync.Mutex
	timeout time.Duration
}

func NewShardedRunner(timeout time.Duration) *ShardedRunner {
	return &ShardedRunner{timeout: timeout}
}

func (r *ShardedRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	shard := shardFor(LockKey(ctx))
	if held, ok := ctx.Value(heldKey{}).(int); ok && held == shard {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := r.timeout
	if timeout == 0 {
		timeout = defaultShardedTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.shards[shard].Lock()
	defer r.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(context.WithValue(ctx, heldKey{}, shard))
}

func shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}
