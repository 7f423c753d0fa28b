/*
scheduler.go - Periodic ledger verification

PURPOSE:
  Periodically re-derives every balance of every kitchen from the ledger
  and reports pairs whose cached on-hand no longer matches the sum of their
  entries. A mismatch means the projection is corrupt and is logged at
  error level; nothing is repaired automatically.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Never writes; each balance is checked under its own lock, one at a time
  - Keeps the last run in memory for GET /api/reconciliation/last

USAGE:
  s := NewVerificationScheduler(stockSvc, catalogStore, time.Hour, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - stock/stock.go: VerifyKitchen
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/stock"
)

// VerificationRun is the outcome of one pass over all kitchens.
type VerificationRun struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Kitchens   int
	Mismatches []ledger.Check
	Err        error
}

// VerificationScheduler checks the ledger invariant in the background.
type VerificationScheduler struct {
	Stock         *stock.Service
	Catalog       catalog.Store
	CheckInterval time.Duration
	Log           logrus.FieldLogger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.RWMutex
	last    *VerificationRun
	running sync.Mutex
}

func NewVerificationScheduler(st *stock.Service, cat catalog.Store, interval time.Duration, log logrus.FieldLogger) *VerificationScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &VerificationScheduler{
		Stock:         st,
		Catalog:       cat,
		CheckInterval: interval,
		Log:           log.WithField("component", "verifier"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (vs *VerificationScheduler) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker != nil {
		return
	}
	vs.ticker = time.NewTicker(vs.CheckInterval)
	vs.stop = make(chan struct{})
	vs.wg.Add(1)
	go vs.run()

	vs.Log.WithField("interval", vs.CheckInterval.String()).Info("verification scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (vs *VerificationScheduler) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker == nil {
		return
	}
	vs.ticker.Stop()
	close(vs.stop)
	vs.wg.Wait()
	vs.ticker = nil
	vs.Log.Info("verification scheduler stopped")
}

func (vs *VerificationScheduler) run() {
	defer vs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-vs.stop
		cancel()
	}()

	vs.RunOnce(ctx)
	for {
		select {
		case <-vs.ticker.C:
			vs.RunOnce(ctx)
		case <-vs.stop:
			return
		}
	}
}

// RunOnce verifies every kitchen now. Concurrent calls run one at a time.
func (vs *VerificationScheduler) RunOnce(ctx context.Context) VerificationRun {
	vs.running.Lock()
	defer vs.running.Unlock()

	run := VerificationRun{StartedAt: time.Now().UTC()}
	kitchens, err := vs.Catalog.Kitchens(ctx)
	if err != nil {
		run.Err = err
	}
	for _, k := range kitchens {
		bad, err := vs.Stock.VerifyKitchen(ctx, k.ID)
		if err != nil {
			run.Err = err
			break
		}
		run.Kitchens++
		run.Mismatches = append(run.Mismatches, bad...)
	}
	run.FinishedAt = time.Now().UTC()

	log := vs.Log.WithFields(logrus.Fields{
		"kitchens":   run.Kitchens,
		"mismatches": len(run.Mismatches),
		"duration":   run.FinishedAt.Sub(run.StartedAt).String(),
	})
	switch {
	case run.Err != nil:
		log.WithError(run.Err).Warn("ledger verification aborted")
	case len(run.Mismatches) > 0:
		for _, c := range run.Mismatches {
			vs.Log.WithFields(logrus.Fields{
				"balance":    c.Key.String(),
				"on_hand":    c.OnHand.String(),
				"ledger_sum": c.LedgerSum.String(),
			}).Error("balance diverged from ledger")
		}
		log.Error("ledger verification found mismatches")
	default:
		log.Debug("ledger verification passed")
	}

	vs.lastMu.Lock()
	vs.last = &run
	vs.lastMu.Unlock()
	return run
}

// Last returns the most recent run, false before the first one.
func (vs *VerificationScheduler) Last() (VerificationRun, bool) {
	vs.lastMu.RLock()
	defer vs.lastMu.RUnlock()
	if vs.last == nil {
		return VerificationRun{}, false
	}
	return *vs.last, true
}
