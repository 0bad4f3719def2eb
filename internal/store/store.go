package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueNotFound is returned for operations against an absent queue.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrMessageNotFound is returned when the message no longer exists.
	ErrMessageNotFound = errors.New("message not found")
	// ErrStaleReceipt is returned when the presented receipt does not match
	// the message's current, unexpired lease.
	ErrStaleReceipt = errors.New("stale receipt")
)

// Message is the durable queue row mapped to Go.
type Message struct {
	ID           int64
	Queue        string
	Body         []byte
	EnqueuedAt   time.Time
	NotBefore    time.Time
	LeaseUntil   *time.Time
	Receipt      *string
	DequeueCount int
}

// LeaseOptions controls how messages are leased.
type LeaseOptions struct {
	Queue      string
	Limit      int
	Visibility time.Duration
}

// QueueStats is a point-in-time snapshot of queue metadata.
type QueueStats struct {
	Name             string
	ApproximateCount int64
}

// Store is the backend-agnostic interface the rest of the app uses. A
// message is visible when its delay has elapsed and it holds no unexpired
// lease; Lease atomically claims visible messages and mints a fresh receipt
// per claim.
type Store interface {
	CreateQueue(ctx context.Context, name string) (created bool, err error)
	DeleteQueue(ctx context.Context, name string) (deleted bool, err error)
	QueueExists(ctx context.Context, name string) (bool, error)
	Stats(ctx context.Context, name string) (QueueStats, error)

	// Enqueue inserts a message (delay can be 0).
	Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) (int64, error)

	// Lease atomically claims up to Limit visible messages.
	Lease(ctx context.Context, opts LeaseOptions) ([]Message, error)

	// Peek returns up to limit visible messages without claiming them.
	Peek(ctx context.Context, queue string, limit int) ([]Message, error)

	// Renew extends the lease identified by receipt and mints a new receipt,
	// invalidating the old one.
	Renew(ctx context.Context, queue string, id int64, receipt string, visibility time.Duration) (newReceipt string, leaseUntil time.Time, err error)

	// Delete removes the message if receipt matches its current lease.
	Delete(ctx context.Context, queue string, id int64, receipt string) error

	// ReleaseExpired clears expired leases so their messages become visible
	// again; returns how many were released.
	ReleaseExpired(ctx context.Context) (int, error)
}
