package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shwetabhartimsft/durabletask/internal/store"
)

func newStore(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	s := New()
	ctx := context.Background()
	created, err := s.CreateQueue(ctx, "q")
	require.NoError(t, err)
	require.True(t, created)
	return s, ctx
}

func TestQueueLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	exists, err := s.QueueExists(ctx, "q")
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := s.CreateQueue(ctx, "q")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateQueue(ctx, "q")
	require.NoError(t, err)
	assert.False(t, created)

	deleted, err := s.DeleteQueue(ctx, "q")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteQueue(ctx, "q")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Stats(ctx, "q")
	assert.ErrorIs(t, err, store.ErrQueueNotFound)
}

func TestLeaseMintsDistinctReceipts(t *testing.T) {
	s, ctx := newStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, "q", []byte("job"), 0)
		require.NoError(t, err)
	}

	out, err := s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, out, 3)

	receipts := make(map[string]bool)
	for _, m := range out {
		require.NotNil(t, m.Receipt)
		assert.False(t, receipts[*m.Receipt])
		receipts[*m.Receipt] = true
		assert.Equal(t, 1, m.DequeueCount)
	}

	// All leased: nothing visible.
	out, err = s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRenewInvalidatesOldReceipt(t *testing.T) {
	s, ctx := newStore(t)

	id, err := s.Enqueue(ctx, "q", []byte("job"), 0)
	require.NoError(t, err)

	out, err := s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, out, 1)
	old := *out[0].Receipt

	newReceipt, leaseUntil, err := s.Renew(ctx, "q", id, old, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, old, newReceipt)
	assert.True(t, leaseUntil.After(time.Now()))

	err = s.Delete(ctx, "q", id, old)
	assert.ErrorIs(t, err, store.ErrStaleReceipt)

	require.NoError(t, s.Delete(ctx, "q", id, newReceipt))

	err = s.Delete(ctx, "q", id, newReceipt)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestExpiredLeaseIsStale(t *testing.T) {
	s, ctx := newStore(t)

	id, err := s.Enqueue(ctx, "q", []byte("job"), 0)
	require.NoError(t, err)

	out, err := s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, out, 1)
	receipt := *out[0].Receipt

	time.Sleep(150 * time.Millisecond)

	err = s.Delete(ctx, "q", id, receipt)
	assert.ErrorIs(t, err, store.ErrStaleReceipt)

	_, _, err = s.Renew(ctx, "q", id, receipt, time.Minute)
	assert.ErrorIs(t, err, store.ErrStaleReceipt)

	// Expired lease means the message is visible again.
	out, err = s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].DequeueCount)
}

func TestPeekReturnsNoLeaseState(t *testing.T) {
	s, ctx := newStore(t)

	_, err := s.Enqueue(ctx, "q", []byte("job"), 0)
	require.NoError(t, err)

	out, err := s.Peek(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Receipt)
	assert.Nil(t, out[0].LeaseUntil)
	assert.Equal(t, 0, out[0].DequeueCount)
}

func TestDelayedMessageInvisible(t *testing.T) {
	s, ctx := newStore(t)

	_, err := s.Enqueue(ctx, "q", []byte("later"), 100*time.Millisecond)
	require.NoError(t, err)

	out, err := s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, out)

	time.Sleep(250 * time.Millisecond)

	out, err = s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestReleaseExpired(t *testing.T) {
	s, ctx := newStore(t)

	_, err := s.Enqueue(ctx, "q", []byte("a"), 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "q", []byte("b"), 0)
	require.NoError(t, err)

	out, err := s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, out, 1)

	time.Sleep(150 * time.Millisecond)

	released, err := s.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// Nothing expired now.
	released, err = s.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestStatsCountsLeasedAndVisible(t *testing.T) {
	s, ctx := newStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, "q", []byte("x"), 0)
		require.NoError(t, err)
	}
	_, err := s.Lease(ctx, store.LeaseOptions{Queue: "q", Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)

	stats, err := s.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ApproximateCount)
}

func TestEnqueueToMissingQueue(t *testing.T) {
	s := New()
	_, err := s.Enqueue(context.Background(), "nope", []byte("x"), 0)
	assert.ErrorIs(t, err, store.ErrQueueNotFound)
}
