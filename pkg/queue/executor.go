package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// APIError is a failure reported by the queue service for one operation.
// Stale receipts (409) and absent queues (404) arrive through here; the
// client does not reinterpret them.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.Status)
}

// RequestFunc performs a single attempt of a remote call using the
// executor's HTTP client under the given context.
type RequestFunc func(ctx context.Context, hc *http.Client) (*http.Response, error)

// Executor runs remote queue operations with retry and records per-operation
// outcome and latency. Transient failures (network errors, HTTP 5xx and 429)
// are retried under exponential backoff; everything else is returned as-is.
type Executor struct {
	hc         *http.Client
	maxElapsed time.Duration
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	log        *logrus.Entry
}

// ExecutorOptions configures a new Executor. Zero values get defaults.
type ExecutorOptions struct {
	HTTPClient *http.Client
	// MaxElapsed bounds the total time spent retrying one operation.
	MaxElapsed time.Duration
	Registerer prometheus.Registerer
	Logger     logrus.FieldLogger
}

// NewExecutor builds an Executor and registers its telemetry with the given
// registerer.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxElapsed == 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	factory := promauto.With(opts.Registerer)
	return &Executor{
		hc:         opts.HTTPClient,
		maxElapsed: opts.MaxElapsed,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_client_requests_total",
			Help: "Queue service requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_client_request_duration_seconds",
			Help:    "Time spent executing queue service operations, retries included",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		log: opts.Logger.WithField("component", "queue-executor"),
	}
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// Execute runs one logical operation labelled op. It returns the final HTTP
// status and fully-read response body; err is non-nil only for exhausted
// retries or cancellation.
func (e *Executor) Execute(ctx context.Context, op string, fn RequestFunc) (int, []byte, error) {
	start := time.Now()

	var (
		status int
		body   []byte
	)
	attempt := func() error {
		resp, err := fn(ctx, e.hc)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if retryableStatus(resp.StatusCode) {
			return fmt.Errorf("status %s: %s", resp.Status, decodeError(b))
		}
		status = resp.StatusCode
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = e.maxElapsed
	notify := func(err error, next time.Duration) {
		e.log.WithFields(logrus.Fields{
			"event":     "retry",
			"operation": op,
			"backoff":   next.String(),
		}).Debug(err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), notify)
	elapsed := time.Since(start)
	e.latency.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		if ctx.Err() != nil {
			e.requests.WithLabelValues(op, "cancelled").Inc()
			return 0, nil, fmt.Errorf("%s: %w", op, context.Cause(ctx))
		}
		e.requests.WithLabelValues(op, "failure").Inc()
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	e.requests.WithLabelValues(op, "success").Inc()
	return status, body, nil
}

var (
	defaultExecutorOnce sync.Once
	defaultExecutorInst *Executor
)

func defaultExecutor() *Executor {
	defaultExecutorOnce.Do(func() {
		defaultExecutorInst = NewExecutor(ExecutorOptions{})
	})
	return defaultExecutorInst
}
