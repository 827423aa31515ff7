package quota

import (
	"context"
	"math/rand"
	"time"
)

// tickInterval, activityWindow, and interProviderSleep are the timings spec
// §4.4.2 names: a scheduler that wakes often but only actually probes a
// provider when the gateway has seen recent traffic and that provider's own
// backoff window has elapsed.
const (
	tickInterval       = 900 * time.Millisecond
	activityWindow     = 10 * time.Minute
	interProviderSleep = 120 * time.Millisecond

	successBackoffMin = 60 * time.Second
	successBackoffMax = 300 * time.Second
	failureBackoffMin = 180 * time.Second
	failureBackoffMax = 600 * time.Second
)

// Scheduler runs the background quota-refresh loop. providers returns the
// live provider table on each tick, so a routing config reload is picked up
// without restarting the scheduler.
type Scheduler struct {
	engine    *Engine
	providers func() []Provider
}

// NewScheduler builds a Scheduler bound to engine.
func NewScheduler(e *Engine, providers func() []Provider) *Scheduler {
	return &Scheduler{engine: e, providers: providers}
}

// Run blocks, ticking until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.engine.ActiveWithin(activityWindow) {
		return
	}
	providers := s.providers()
	now := s.engine.nowMS()
	for _, p := range providers {
		if ctx.Err() != nil {
			return
		}
		if p.Disabled {
			continue
		}
		if now < s.engine.nextRefresh(p.Name) {
			continue
		}
		providerKey, usageToken := s.engine.resolveCredentials(p)
		if providerKey == "" && usageToken == "" {
			continue
		}

		_, err := s.engine.RefreshProvider(ctx, p, providers)
		backoff := jitter(successBackoffMin, successBackoffMax)
		if err != nil {
			backoff = jitter(failureBackoffMin, failureBackoffMax)
		}
		s.engine.setNextRefresh(p.Name, s.engine.nowMS()+backoff.Milliseconds())

		select {
		case <-ctx.Done():
			return
		case <-time.After(interProviderSleep):
		}
	}
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
