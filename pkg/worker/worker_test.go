package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shwetabhartimsft/durabletask/internal/api"
	"github.com/shwetabhartimsft/durabletask/internal/store/memory"
	"github.com/shwetabhartimsft/durabletask/pkg/queue"
)

func newTestClient(t *testing.T, name string) *queue.Client {
	t.Helper()
	srv := httptest.NewServer(api.NewRouter(memory.New()))
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	exec := queue.NewExecutor(queue.ExecutorOptions{
		HTTPClient: srv.Client(),
		MaxElapsed: 2 * time.Second,
		Registerer: reg,
	})
	client := queue.NewClient(srv.URL, name, &queue.Options{Executor: exec, Stats: queue.NewStats(reg)})
	t.Cleanup(client.Close)

	_, err := client.CreateIfAbsent(context.Background())
	require.NoError(t, err)
	return client
}

func TestWorkerRequiresHandlers(t *testing.T) {
	w := New(Config{})
	err := w.Run(context.Background())
	assert.Error(t, err)
}

func TestWorkerProcessesAndDeletes(t *testing.T) {
	client := newTestClient(t, "jobs")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Enqueue(ctx, []byte("one"), 0))
	require.NoError(t, client.Enqueue(ctx, []byte("two"), 0))

	var processed atomic.Int32
	w := New(Config{
		PollDelay:  20 * time.Millisecond,
		BatchSize:  5,
		Visibility: 2 * time.Second,
	})
	w.Handle(client, func(ctx context.Context, msg *queue.Message) error {
		processed.Add(1)
		return nil
	})

	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return processed.Load() == 2
	}, 3*time.Second, 25*time.Millisecond)

	require.Eventually(t, func() bool {
		if err := client.RefreshMetadata(ctx); err != nil {
			return false
		}
		return client.ApproximateCount() == 0
	}, 3*time.Second, 25*time.Millisecond)
}

// A handler that outlives the initial visibility timeout must not see its
// message redelivered while the keep-alive loop renews the lease.
func TestWorkerRenewsLongLease(t *testing.T) {
	client := newTestClient(t, "slow-jobs")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Enqueue(ctx, []byte("slow"), 0))

	var handled atomic.Int32
	w := New(Config{
		PollDelay:  20 * time.Millisecond,
		BatchSize:  1,
		Visibility: 200 * time.Millisecond,
	})
	w.Handle(client, func(ctx context.Context, msg *queue.Message) error {
		handled.Add(1)
		time.Sleep(700 * time.Millisecond) // well past the initial lease
		return nil
	})

	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		if err := client.RefreshMetadata(ctx); err != nil {
			return false
		}
		return client.ApproximateCount() == 0
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(1), handled.Load(), "renewed lease must prevent redelivery")
}

func TestWorkerFailedHandlerLeadsToRedelivery(t *testing.T) {
	client := newTestClient(t, "flaky-jobs")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Enqueue(ctx, []byte("retry-me"), 0))

	var attempts atomic.Int32
	w := New(Config{
		PollDelay:  20 * time.Millisecond,
		BatchSize:  1,
		Visibility: 150 * time.Millisecond,
	})
	w.Handle(client, func(ctx context.Context, msg *queue.Message) error {
		if attempts.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		if err := client.RefreshMetadata(ctx); err != nil {
			return false
		}
		return client.ApproximateCount() == 0 && attempts.Load() >= 2
	}, 5*time.Second, 50*time.Millisecond)
}
