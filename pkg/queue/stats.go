package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats holds the cumulative message counters a Client reports into. The
// handle is injected so tests can register an isolated set of counters per
// registry instead of sharing process-wide state.
type Stats struct {
	// Sent counts successfully enqueued messages.
	Sent prometheus.Counter
	// Read counts messages returned by lease and peek operations.
	Read prometheus.Counter
	// Updated counts successful lease renewals.
	Updated prometheus.Counter
}

// NewStats registers the client counters with reg and returns the handle.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "queue_client_messages_sent_total",
			Help: "Total number of messages enqueued by this client",
		}),
		Read: factory.NewCounter(prometheus.CounterOpts{
			Name: "queue_client_messages_read_total",
			Help: "Total number of messages returned by lease and peek calls",
		}),
		Updated: factory.NewCounter(prometheus.CounterOpts{
			Name: "queue_client_messages_updated_total",
			Help: "Total number of successful lease renewals",
		}),
	}
}

var (
	defaultStatsOnce sync.Once
	defaultStatsInst *Stats
)

// defaultStats registers against the default registry exactly once so that
// multiple clients built without an explicit Stats handle share one set of
// counters instead of panicking on duplicate registration.
func defaultStats() *Stats {
	defaultStatsOnce.Do(func() {
		defaultStatsInst = NewStats(prometheus.DefaultRegisterer)
	})
	return defaultStatsInst
}
