// Package lifecycle runs the periodic sweeps that open auctions at their
// start time and settle them at their end time.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/viney-shih/goroutines"
	"golang.org/x/sync/errgroup"

	"auction-engine/internal/gate"
	"auction-engine/internal/metrics"
	"auction-engine/utils"
)

const (
	activationSweep = "activation"
	settlementSweep = "settlement"
)

// Finder lists auctions due for a transition
type Finder interface {
	FindPendingToActivate(ctx context.Context, now time.Time) ([]string, error)
	FindActiveToSettle(ctx context.Context, now time.Time) ([]string, error)
}

// Submitter applies an operation to one auction
type Submitter interface {
	Submit(ctx context.Context, auctionID string, op gate.Operation) (*gate.Result, error)
}

// Config tunes the sweeps
type Config struct {
	ActivationInterval time.Duration
	SettlementInterval time.Duration
	// Workers bounds how many transitions one sweep submits in parallel
	Workers int
	// LockTTL bounds how long a crashed replica can hold a sweep lock
	LockTTL time.Duration
}

// DefaultConfig returns the production intervals
func DefaultConfig() Config {
	return Config{
		ActivationInterval: 60 * time.Second,
		SettlementInterval: 30 * time.Second,
		Workers:            8,
		LockTTL:            30 * time.Second,
	}
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Sweep        string
	Found        int
	Transitioned int
	// Unchanged counts auctions another writer had already transitioned
	Unchanged int
	Failed    int
	FailedIDs []string
	// Skipped is true when another replica held the sweep lock
	Skipped bool
}

// Scheduler drives the activation and settlement sweeps
type Scheduler struct {
	finder Finder
	gate   Submitter
	locker Locker
	clock  clock.Clock
	met    metrics.Service
	cfg    Config
}

// New creates a Scheduler
func New(finder Finder, g Submitter, locker Locker, clk clock.Clock, met metrics.Service, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Scheduler{finder: finder, gate: g, locker: locker, clock: clk, met: met, cfg: cfg}
}

// Run ticks both sweeps on their own intervals until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	utils.Info("scheduler started", map[string]any{
		"activation_interval": s.cfg.ActivationInterval.String(),
		"settlement_interval": s.cfg.SettlementInterval.String(),
		"workers":             s.cfg.Workers,
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.tick(ctx, s.cfg.ActivationInterval, s.RunActivationSweep)
	})
	eg.Go(func() error {
		return s.tick(ctx, s.cfg.SettlementInterval, s.RunSettlementSweep)
	})
	err := eg.Wait()
	utils.Info("scheduler stopped", nil)
	return err
}

// tick sweeps once straight away, so overdue auctions are handled after a
// restart, then on every interval
func (s *Scheduler) tick(ctx context.Context, every time.Duration, sweep func(context.Context) (SweepReport, error)) error {
	t := s.clock.Ticker(every)
	defer t.Stop()
	s.runSweep(ctx, sweep)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.runSweep(ctx, sweep)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context, sweep func(context.Context) (SweepReport, error)) {
	report, err := sweep(ctx)
	if err != nil {
		utils.Error("sweep failed", map[string]any{"sweep": report.Sweep, "error": err.Error()})
		return
	}
	if report.Found > 0 || report.Failed > 0 {
		utils.Info("sweep finished", map[string]any{
			"sweep":        report.Sweep,
			"found":        report.Found,
			"transitioned": report.Transitioned,
			"unchanged":    report.Unchanged,
			"failed":       report.Failed,
			"failed_ids":   report.FailedIDs,
		})
	}
}

// RunActivationSweep submits a start transition for every PENDING auction
// whose start time has passed
func (s *Scheduler) RunActivationSweep(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, activationSweep, s.finder.FindPendingToActivate, gate.StartTransition{})
}

// RunSettlementSweep submits an end transition for every ACTIVE auction
// whose end time has passed
func (s *Scheduler) RunSettlementSweep(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, settlementSweep, s.finder.FindActiveToSettle, gate.EndTransition{})
}

// transitionError remembers which auction a failed transition belongs to
type transitionError struct {
	auctionID string
	err       error
}

func (e *transitionError) Error() string { return e.auctionID + ": " + e.err.Error() }

func (e *transitionError) Unwrap() error { return e.err }

type findFunc func(ctx context.Context, now time.Time) ([]string, error)

func (s *Scheduler) sweep(ctx context.Context, name string, find findFunc, op gate.Operation) (SweepReport, error) {
	defer s.met.BumpTime("sweep.time", "sweep", name).End()
	report := SweepReport{Sweep: name}

	release, ok, err := s.locker.TryLock(ctx, "sweep:"+name, s.cfg.LockTTL)
	switch {
	case err != nil:
		// transitions are idempotent; sweep without the lock
		utils.Warn("sweep lock unavailable, sweeping unlocked", map[string]any{"sweep": name, "error": err.Error()})
	case !ok:
		report.Skipped = true
		return report, nil
	default:
		defer release()
	}

	ids, err := find(ctx, s.clock.Now())
	if err != nil {
		return report, fmt.Errorf("lifecycle: %s sweep: %w", name, err)
	}
	report.Found = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	b := goroutines.NewBatch(s.cfg.Workers, goroutines.WithBatchSize(len(ids)))
	defer b.Close()
	for _, id := range ids {
		auctionID := id
		b.Queue(func() (interface{}, error) {
			res, err := s.gate.Submit(ctx, auctionID, op)
			if err != nil {
				return nil, &transitionError{auctionID: auctionID, err: err}
			}
			return res, nil
		})
	}
	b.QueueComplete()

	for ret := range b.Results() {
		if err := ret.Error(); err != nil {
			report.Failed++
			var te *transitionError
			if errors.As(err, &te) {
				report.FailedIDs = append(report.FailedIDs, te.auctionID)
			}
			utils.Warn("transition failed", map[string]any{"sweep": name, "error": err.Error()})
			continue
		}
		if res, ok := ret.Value().(*gate.Result); ok && res.Noop {
			report.Unchanged++
			continue
		}
		report.Transitioned++
	}

	s.met.BumpSum("sweep.transitioned", float64(report.Transitioned), "sweep", name)
	if report.Failed > 0 {
		s.met.BumpSum("sweep.failed", float64(report.Failed), "sweep", name)
	}
	return report, nil
}
