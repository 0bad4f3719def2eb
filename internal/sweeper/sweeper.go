package sweeper

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shwetabhartimsft/durabletask/internal/metrics"
	"github.com/shwetabhartimsft/durabletask/internal/store"
)

// Sweeper periodically clears expired leases so their messages become
// visible again without waiting for a claim-time expiry check.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	stopCh   chan struct{}
}

func New(store store.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"event": "sweeper_start", "interval": s.interval.String()}).Info("sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.WithField("event", "sweeper_stop").Info("sweeper stopped (context cancelled)")
			return

		case <-s.stopCh:
			log.WithField("event", "sweeper_stop").Info("sweeper stopped (stop signal)")
			return

		case <-ticker.C:
			start := time.Now()
			released, err := s.store.ReleaseExpired(ctx)
			metrics.SweeperDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.SweeperErrors.Inc()
				log.WithField("event", "sweeper_error").Error(err)
			} else if released > 0 {
				metrics.LeasesReleased.Add(float64(released))
				log.WithFields(log.Fields{"event": "sweeper_pass", "released": released}).Debug("expired leases released")
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}
