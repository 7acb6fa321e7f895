// Package scheduler runs the screener's periodic maintenance jobs on cron:
// retrying series that failed to initialize, reconciling live series
// against REST history and purging expired cache rows.
package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ema-screener/internal/manager"
	"ema-screener/internal/model"
)

// Source lists the managers to maintain. Implemented by registry.Registry.
type Source interface {
	Managers() []*manager.Manager
}

// Purger removes expired cache entries. Implemented by the SQLite cache.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Config holds cron specs with a leading seconds field. An empty spec
// disables that job.
type Config struct {
	RetryCron     string
	ReconcileCron string
	PurgeCron     string
}

// Scheduler manages the cron jobs. Runs of the same job never overlap.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	source Source
	purger Purger

	// Optional hooks, used for metrics.
	OnRetryFailed     func(key model.SubscriptionKey)
	OnReconcileFailed func(key model.SubscriptionKey)
	OnPurged          func(n int64)
}

// New creates a Scheduler and registers its jobs. purger may be nil.
// Jobs run with ctx and stop starting new work once it is cancelled.
func New(ctx context.Context, cfg Config, source Source, purger Purger) (*Scheduler, error) {
	logger := cron.PrintfLogger(log.Default())
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		source: source,
		purger: purger,
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"retry", cfg.RetryCron, func() { s.RetryNow() }},
		{"reconcile", cfg.ReconcileCron, func() { s.ReconcileNow() }},
		{"purge", cfg.PurgeCron, func() { s.PurgeNow() }},
	}
	for _, j := range jobs {
		if j.spec == "" || (j.name == "purge" && purger == nil) {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("register %s job %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[scheduler] started with %d jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[scheduler] stopped")
}

// RetryNow initializes every manager that is not live. Returns how many
// were attempted and how many are still not live.
func (s *Scheduler) RetryNow() (attempted, failed int) {
	var targets []*manager.Manager
	for _, m := range s.source.Managers() {
		if p := m.Phase(); p != manager.PhaseLive && p != manager.PhaseClosed {
			targets = append(targets, m)
		}
	}
	failed = s.each(targets, (*manager.Manager).Initialize, s.OnRetryFailed)
	if len(targets) > 0 {
		log.Printf("[scheduler] retry: %d/%d pairs initialized", len(targets)-failed, len(targets))
	}
	return len(targets), failed
}

// ReconcileNow backfills every live manager from REST history.
func (s *Scheduler) ReconcileNow() (attempted, failed int) {
	var targets []*manager.Manager
	for _, m := range s.source.Managers() {
		if m.Phase() == manager.PhaseLive {
			targets = append(targets, m)
		}
	}
	failed = s.each(targets, (*manager.Manager).Reconcile, s.OnReconcileFailed)
	if failed > 0 {
		log.Printf("[scheduler] reconcile: %d/%d pairs failed", failed, len(targets))
	}
	return len(targets), failed
}

// PurgeNow removes expired cache rows.
func (s *Scheduler) PurgeNow() (int64, error) {
	if s.purger == nil {
		return 0, nil
	}
	n, err := s.purger.Purge(s.ctx)
	if err != nil {
		log.Printf("[scheduler] purge: %v", err)
		return 0, err
	}
	if n > 0 {
		log.Printf("[scheduler] purged %d expired cache entries", n)
	}
	if s.OnPurged != nil {
		s.OnPurged(n)
	}
	return n, nil
}

// each runs fn on every manager concurrently; the fetcher bounds the
// actual REST load. Failures are isolated per pair.
func (s *Scheduler) each(ms []*manager.Manager, fn func(*manager.Manager, context.Context) error, onFail func(model.SubscriptionKey)) int {
	if s.ctx.Err() != nil {
		return 0
	}
	errs := make([]error, len(ms))
	var g errgroup.Group
	for i, m := range ms {
		i, m := i, m
		g.Go(func() error {
			errs[i] = fn(m, s.ctx)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		log.Printf("[scheduler] %s: %v", ms[i].Key(), err)
		if onFail != nil {
			onFail(ms[i].Key())
		}
	}
	return failed
}
