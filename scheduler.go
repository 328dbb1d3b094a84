package sinkhole

import (
	"context"
	"time"
)

// DefaultRefreshInterval is the design default re-invocation period for the
// refresh scheduler when none is configured.
const DefaultRefreshInterval = 2 * time.Hour

// Scheduler periodically re-invokes an Engine's Rebuild at a fixed
// interval, after one initial cache-warm pass. There is no jitter and no
// adaptive backoff; rebuild failures are absorbed by the Engine/FetchCache
// and surfaced only through Engine.List.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration

	stop chan struct{}
}

// NewScheduler returns a Scheduler for engine. interval <= 0 selects
// DefaultRefreshInterval.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Scheduler{Engine: engine, Interval: interval, stop: make(chan struct{})}
}

// Run performs the initial cache-warm rebuild, then blocks looping
// rebuild/sleep until ctx is done or Stop is called. The in-progress
// rebuild at shutdown time is allowed to complete; it is simply discarded
// since nothing publishes after the loop exits.
func (s *Scheduler) Run(ctx context.Context) error {
	log := Log.WithField("component", "scheduler")

	if err := s.Engine.Rebuild(ctx, true); err != nil {
		log.WithError(err).Error("initial blocklist rebuild failed")
		return err
	}
	log.WithField("blocklist_len", s.Engine.Len()).Info("initial blocklist rebuild complete")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			if err := s.Engine.Rebuild(ctx, false); err != nil {
				log.WithError(err).Warn("scheduled blocklist rebuild failed")
				continue
			}
			log.WithField("blocklist_len", s.Engine.Len()).Debug("scheduled blocklist rebuild complete")
		}
	}
}

// Stop ends the refresh loop between iterations; a rebuild already in
// flight runs to completion before the loop observes the stop signal.
func (s *Scheduler) Stop() {
	close(s.stop)
}
