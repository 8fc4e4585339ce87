// Package scheduler runs the periodic organization sweep.
//
// A sweep runs immediately on Start and then every Interval. Each run takes a
// cluster-wide lease for the current financial year and keeps it until the
// lease expires, so a fleet of instances sweeps once per interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"haulledger.org/internal/ledger"
	"haulledger.org/internal/lock"
	"haulledger.org/internal/obs"
	"haulledger.org/internal/rebuild"
)

// Sweeper is implemented by *rebuild.Engine.
type Sweeper interface {
	SweepAll(ctx context.Context, fy string, opts rebuild.Options) ([]rebuild.SweepReport, error)
}

type Scheduler struct {
	Interval  time.Duration
	BatchSize int

	sweeper Sweeper
	locker  lock.Locker
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s Sweeper, l lock.Locker, interval time.Duration) *Scheduler {
	if l == nil {
		l = lock.NewLocal()
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		Interval: interval,
		sweeper:  s,
		locker:   l,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	obs.Logger().WithFields(logrus.Fields{"module": "scheduler", "interval": s.Interval.String()}).Info("sweep scheduler started")
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	obs.Logger().WithField("module", "scheduler").Info("sweep scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every organization for the current financial year unless
// another instance holds this interval's lease. It reports whether a sweep ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	fy := ledger.ResolveFinancialYear(s.now())
	log := obs.Logger().WithFields(logrus.Fields{"module": "scheduler", "financialYear": fy})

	lease, err := s.locker.Acquire(ctx, "sweep:"+fy, s.Interval)
	if errors.Is(err, lock.ErrLocked) {
		log.Debug("sweep already claimed for this interval")
		return false
	}
	if err != nil {
		obs.LogError(obs.Logger(), "scheduler", "RunOnce", "acquire sweep lease", fy, err)
		return false
	}

	start := time.Now()
	reports, err := s.sweeper.SweepAll(ctx, fy, rebuild.Options{BatchSize: s.BatchSize})
	if err != nil {
		obs.LogError(obs.Logger(), "scheduler", "RunOnce", "sweep failed", fy, err)
		// free the interval so another instance can retry
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			obs.LogError(obs.Logger(), "scheduler", "RunOnce", "release sweep lease", fy, rerr)
		}
		return true
	}

	var total rebuild.Summary
	for _, rep := range reports {
		t := rep.Total()
		total.Succeeded += t.Succeeded
		total.Failed += t.Failed
		total.Skipped += t.Skipped
		total.Deleted += t.Deleted
		total.Errors = append(total.Errors, t.Errors...)
	}
	entry := log.WithFields(logrus.Fields{
		"organizations": len(reports),
		"succeeded":     total.Succeeded,
		"failed":        total.Failed,
		"skipped":       total.Skipped,
		"deleted":       total.Deleted,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	if total.Failed > 0 {
		entry.WithField("errors", total.Errors).Error("sweep complete with failures")
		return true
	}
	entry.Info("sweep complete")
	return true
}
