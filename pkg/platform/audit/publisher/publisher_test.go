package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	audit "certchain/pkg/platform/audit"
	"certchain/pkg/platform/audit/store/memory"
	"certchain/pkg/requestcontext"
)

const certID = "CRT-20260301-7K2QXA"

func issued() audit.Event {
	return audit.Event{
		Action:       string(audit.EventCertificateIssued),
		ResourceType: audit.ResourceCertificate,
		ResourceID:   certID,
	}
}

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	ctx := requestcontext.WithRequestID(context.Background(), "req-1")
	require.NoError(t, pub.Emit(ctx, issued()))

	events, err := pub.List(context.Background(), certID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventCertificateIssued), events[0].Action)
	assert.Equal(t, audit.CategoryOwnership, events[0].Category)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.NotEqual(t, [16]byte{}, [16]byte(events[0].ID))
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), issued()))
	}
	require.NoError(t, pub.Close())

	events, err := store.ListByResource(context.Background(), certID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DropsWithoutBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	store := &blockingStore{release: block}
	pub := NewPublisher(store, WithAsyncBuffer(1))

	var full atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(pub.Emit(context.Background(), issued()), ErrBufferFull) {
				full.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Positive(t, full.Load(), "a saturated buffer drops instead of blocking")

	close(block)
	require.NoError(t, pub.Close())
}

func TestPublisher_RetriesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &flakyStore{InMemoryStore: memory.NewInMemoryStore(), failures: 2}
	pub := NewPublisher(store, WithAsyncBuffer(4), WithRetryWindow(2*time.Second))

	require.NoError(t, pub.Emit(context.Background(), issued()))
	require.NoError(t, pub.Close())

	events, err := store.ListByResource(context.Background(), certID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	custom := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := issued()
	e.Timestamp = custom
	require.NoError(t, pub.Emit(context.Background(), e))

	events, err := pub.List(context.Background(), certID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, custom, events[0].Timestamp)
}

func TestPublisher_EmitAfterCloseIsRejected(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(1))
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Emit(context.Background(), issued()), ErrBufferFull)
}

type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) Append(context.Context, audit.Event) error {
	<-s.release
	return nil
}

type flakyStore struct {
	*memory.InMemoryStore
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, e audit.Event) error {
	if s.calls.Add(1) <= s.failures {
		return errors.New("connection reset")
	}
	return s.InMemoryStore.Append(ctx, e)
}
