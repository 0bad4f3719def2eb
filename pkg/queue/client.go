// Package queue is a client for a visibility-timeout work queue: consumers
// lease a message, process it, then delete it, and a lease that is neither
// renewed nor deleted expires and the message is redelivered. Delivery is
// at-least-once; handlers must be idempotent.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("queue: client closed")

// Client is a handle bound to one named queue. One handle is safe for use by
// many goroutines; the intended usage is many competing consumers against
// the same queue, with the service arbitrating who wins each lease.
type Client struct {
	name    string
	baseURL string
	exec    *Executor
	stats   *Stats

	lifetime context.Context
	close    context.CancelCauseFunc

	mu          sync.Mutex
	approxCount int64
}

// Options configures a new Client. Nil fields get shared process defaults.
type Options struct {
	Executor *Executor
	Stats    *Stats
}

// NewClient returns a client for the named queue at the service rooted at
// baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL, name string, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	exec := opts.Executor
	if exec == nil {
		exec = defaultExecutor()
	}
	stats := opts.Stats
	if stats == nil {
		stats = defaultStats()
	}
	lifetime, cancel := context.WithCancelCause(context.Background())
	return &Client{
		name:     name,
		baseURL:  baseURL,
		exec:     exec,
		stats:    stats,
		lifetime: lifetime,
		close:    cancel,
	}
}

// Name is the queue's immutable identity.
func (c *Client) Name() string { return c.name }

// Address is the locator of the queue on the service.
func (c *Client) Address() string {
	return c.baseURL + "/v1/queues/" + url.PathEscape(c.name)
}

// ApproximateCount is the queue depth snapshot taken by the most recent
// RefreshMetadata call. It is eventually consistent and zero until refreshed.
func (c *Client) ApproximateCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approxCount
}

// Close aborts in-flight operations and fails subsequent ones with ErrClosed.
func (c *Client) Close() {
	c.close(ErrClosed)
}

// call executes one logical operation: it links ctx with the client's
// lifetime, runs the request through the executor, and returns the final
// status and body. The linked context is released on every exit path.
func (c *Client) call(ctx context.Context, op, method, path string, in any) (int, []byte, error) {
	if err := context.Cause(c.lifetime); err != nil {
		return 0, nil, err
	}
	ctx, release := linkContext(ctx, c.lifetime)
	defer release()

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		payload = b
	}
	// One client request id per logical operation, stable across retries, so
	// the service can correlate all attempts.
	requestID := uuid.NewString()
	return c.exec.Execute(ctx, op, func(ctx context.Context, hc *http.Client) (*http.Response, error) {
		var body *bytes.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		} else {
			body = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", requestID)
		return hc.Do(req)
	})
}

func (c *Client) apiError(op string, status int, body []byte) *APIError {
	return &APIError{Op: op, Status: status, Message: decodeError(body)}
}

func (c *Client) messagesPath() string {
	return "/v1/queues/" + url.PathEscape(c.name) + "/messages"
}

func (c *Client) queuePath(suffix string) string {
	return "/v1/queues/" + url.PathEscape(c.name) + suffix
}

// Enqueue adds a message with the given payload. A non-zero delay keeps the
// message invisible to consumers until it elapses. No receipt is returned:
// the message has no lease yet.
func (c *Client) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	const op = "enqueue"
	in := enqueueRequest{Body: string(payload), DelayMS: delay.Milliseconds()}
	status, body, err := c.call(ctx, op, http.MethodPost, c.messagesPath(), in)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return c.apiError(op, status, body)
	}
	c.stats.Sent.Inc()
	return nil
}

// Lease acquires at most one visible message, making it invisible to other
// consumers until now+visibility. It returns (nil, nil) when the queue is
// empty; an empty queue is a normal outcome, not an error.
func (c *Client) Lease(ctx context.Context, visibility time.Duration) (*Message, error) {
	msgs, err := c.lease(ctx, 1, visibility)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// LeaseBatch acquires up to max visible messages in one round trip. The
// result may be empty or shorter than requested, and carries no ordering
// guarantee beyond what the service returns.
func (c *Client) LeaseBatch(ctx context.Context, max int, visibility time.Duration) ([]*Message, error) {
	return c.lease(ctx, max, visibility)
}

func (c *Client) lease(ctx context.Context, max int, visibility time.Duration) ([]*Message, error) {
	const op = "lease"
	in := leaseRequest{Max: max, VisibilityMS: visibility.Milliseconds()}
	status, body, err := c.call(ctx, op, http.MethodPost, c.queuePath(":lease"), in)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.apiError(op, status, body)
	}
	msgs, err := c.decodeMessages(op, body)
	if err != nil {
		return nil, err
	}
	for range msgs {
		c.stats.Read.Inc()
	}
	return msgs, nil
}

// Renew extends the lease on m by visibility from now. It must be called
// with a still-valid receipt; the service issues a fresh receipt, which
// replaces m.Receipt, and the old one becomes unusable. A stale receipt
// fails with the service's error: the service is the source of truth for
// lease ownership, and no local retry can fix that.
func (c *Client) Renew(ctx context.Context, m *Message, visibility time.Duration) error {
	const op = "renew"
	in := renewRequest{Receipt: m.Receipt, VisibilityMS: visibility.Milliseconds()}
	path := fmt.Sprintf("%s/%d:renew", c.messagesPath(), m.ID)
	status, body, err := c.call(ctx, op, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.apiError(op, status, body)
	}
	var out renewResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	m.Receipt = out.Receipt
	m.LeaseUntil = &out.LeaseUntil
	c.stats.Updated.Inc()
	return nil
}

// Delete permanently removes m using its current receipt. This is the
// terminal step of successful processing. A stale receipt fails: the lease
// expired and the message may already be processed elsewhere, which is the
// at-least-once protocol detecting (not preventing) duplicate work.
func (c *Client) Delete(ctx context.Context, m *Message) error {
	const op = "delete"
	in := deleteRequest{Receipt: m.Receipt}
	path := fmt.Sprintf("%s/%d:delete", c.messagesPath(), m.ID)
	status, body, err := c.call(ctx, op, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.apiError(op, status, body)
	}
	return nil
}

// Peek returns the first visible message without leasing it, or (nil, nil)
// when the queue is empty. The result has no receipt and cannot be renewed
// or deleted.
func (c *Client) Peek(ctx context.Context) (*Message, error) {
	msgs, err := c.PeekBatch(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// PeekBatch returns up to max visible messages without changing their
// visibility or dequeue counts.
func (c *Client) PeekBatch(ctx context.Context, max int) ([]*Message, error) {
	const op = "peek"
	in := peekRequest{Max: max}
	status, body, err := c.call(ctx, op, http.MethodPost, c.queuePath(":peek"), in)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.apiError(op, status, body)
	}
	msgs, err := c.decodeMessages(op, body)
	if err != nil {
		return nil, err
	}
	for range msgs {
		c.stats.Read.Inc()
	}
	return msgs, nil
}

// Exists reports whether the queue currently exists on the service.
func (c *Client) Exists(ctx context.Context) (bool, error) {
	const op = "get-queue"
	status, body, err := c.call(ctx, op, http.MethodGet, c.queuePath(""), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, c.apiError(op, status, body)
	}
}

// CreateIfAbsent creates the queue and reports whether this call created it.
func (c *Client) CreateIfAbsent(ctx context.Context) (bool, error) {
	const op = "create-queue"
	status, body, err := c.call(ctx, op, http.MethodPut, c.queuePath(""), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusCreated:
		return true, nil
	case http.StatusOK:
		return false, nil
	default:
		return false, c.apiError(op, status, body)
	}
}

// DeleteIfPresent deletes the queue and all its messages, reporting whether
// the queue existed.
func (c *Client) DeleteIfPresent(ctx context.Context) (bool, error) {
	const op = "delete-queue"
	status, body, err := c.call(ctx, op, http.MethodDelete, c.queuePath(""), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, c.apiError(op, status, body)
	}
}

// RefreshMetadata fetches the queue's metadata and updates the
// ApproximateCount snapshot.
func (c *Client) RefreshMetadata(ctx context.Context) error {
	const op = "get-queue"
	status, body, err := c.call(ctx, op, http.MethodGet, c.queuePath(""), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.apiError(op, status, body)
	}
	var info queueInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	c.mu.Lock()
	c.approxCount = info.ApproximateCount
	c.mu.Unlock()
	return nil
}

func (c *Client) decodeMessages(op string, body []byte) ([]*Message, error) {
	var wire []wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	msgs := make([]*Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, messageFromWire(w))
	}
	return msgs, nil
}
