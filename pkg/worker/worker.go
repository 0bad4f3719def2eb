// Package worker is a polling consumer built on the queue client. It leases
// messages in batches, keeps each lease renewed while its handler runs, and
// deletes the message on success. A failed or panicking handler simply stops
// renewing; the lease expires and the message is redelivered.
package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shwetabhartimsft/durabletask/pkg/queue"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be deleted).
// Returning an error means failure (lease expires and the message is
// redelivered); handlers must be idempotent.
type HandlerFunc func(ctx context.Context, msg *queue.Message) error

type registration struct {
	client  *queue.Client
	handler HandlerFunc
}

// Worker manages message processing from one or more queues.
type Worker struct {
	registrations map[string]registration
	pollDelay     time.Duration
	batchSize     int
	visibility    time.Duration
}

// Config for creating a new worker.
type Config struct {
	PollDelay  time.Duration // Time between polling attempts (default: 1s)
	BatchSize  int           // Max messages to fetch per poll (default: 10)
	Visibility time.Duration // Visibility timeout per lease (default: 30s)
}

// New creates a new Worker with the given configuration.
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}

	return &Worker{
		registrations: make(map[string]registration),
		pollDelay:     cfg.PollDelay,
		batchSize:     cfg.BatchSize,
		visibility:    cfg.Visibility,
	}
}

// Handle registers a handler for the queue the client is bound to.
func (w *Worker) Handle(client *queue.Client, handler HandlerFunc) {
	w.registrations[client.Name()] = registration{client: client, handler: handler}
	log.WithFields(log.Fields{"event": "register_handler", "queue": client.Name()}).Info("handler registered")
}

// Run starts the worker and blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.registrations) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	log.WithFields(log.Fields{"event": "worker_start", "queues": len(w.registrations)}).Info("worker starting")

	for _, reg := range w.registrations {
		go w.pollQueue(ctx, reg)
	}

	<-ctx.Done()
	log.WithField("event", "worker_stop").Info("worker shutting down")
	return nil
}

// pollQueue continuously polls one queue and processes messages.
func (w *Worker) pollQueue(ctx context.Context, reg registration) {
	ticker := time.NewTicker(w.pollDelay)
	defer ticker.Stop()

	qlog := log.WithField("queue", reg.client.Name())
	qlog.WithField("event", "poll_start").Info("polling started")

	for {
		select {
		case <-ctx.Done():
			qlog.WithField("event", "poll_stop").Info("polling stopped")
			return

		case <-ticker.C:
			messages, err := reg.client.LeaseBatch(ctx, w.batchSize, w.visibility)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				qlog.WithField("event", "lease_error").Error(err)
				continue
			}
			for _, msg := range messages {
				w.processMessage(ctx, reg, msg)
			}
		}
	}
}

// processMessage runs the handler for one message while a background loop
// keeps its lease renewed. The renewal loop is stopped and drained before
// Delete so the two never race on the receipt.
func (w *Worker) processMessage(ctx context.Context, reg registration, msg *queue.Message) {
	mlog := log.WithFields(log.Fields{
		"queue":         reg.client.Name(),
		"message_id":    msg.ID,
		"dequeue_count": msg.DequeueCount,
	})

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go w.keepAlive(renewCtx, reg.client, msg, renewDone, mlog)
	defer func() {
		stopRenew()
		<-renewDone
		if r := recover(); r != nil {
			// Lease is left to expire so the message is redelivered.
			mlog.WithField("event", "handler_panic").Errorf("panic: %v", r)
		}
	}()

	if err := reg.handler(ctx, msg); err != nil {
		mlog.WithField("event", "handler_error").Error(err)
		return
	}

	stopRenew()
	<-renewDone

	if err := reg.client.Delete(ctx, msg); err != nil {
		mlog.WithField("event", "delete_error").Error(err)
		return
	}
	mlog.WithField("event", "processed").Debug("message processed")
}

// keepAlive renews the lease on msg at half the visibility timeout until the
// context is cancelled or a renewal fails.
func (w *Worker) keepAlive(ctx context.Context, client *queue.Client, msg *queue.Message, done chan<- struct{}, mlog *log.Entry) {
	defer close(done)
	ticker := time.NewTicker(w.visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Renew(ctx, msg, w.visibility); err != nil {
				if ctx.Err() == nil {
					mlog.WithField("event", "renew_error").Error(err)
				}
				return
			}
			mlog.WithField("event", "lease_renewed").Debug("lease renewed")
		}
	}
}
