package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/events"
	"auction-engine/internal/gate"
	"auction-engine/internal/metrics"
	"auction-engine/internal/models"
	"auction-engine/internal/repository"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(v int64) *int64 { return &v }

func newAuction(id string, status models.AuctionStatus, start, end time.Time) models.Auction {
	return models.Auction{
		AuctionID:     id,
		SellerID:      "seller",
		ItemID:        "item-" + id,
		Title:         id,
		StartingPrice: 1000,
		CurrentPrice:  1000,
		BidIncrement:  100,
		StartTime:     start,
		EndTime:       end,
		Status:        status,
		Version:       1,
		CreatedAt:     start.Add(-time.Hour),
		UpdatedAt:     start.Add(-time.Hour),
	}
}

type env struct {
	repo  *repository.MemoryRepo
	gate  *gate.Gate
	clock *clock.Mock
}

func newEnv(t *testing.T, auctions ...models.Auction) *env {
	t.Helper()
	repo := repository.NewMemoryRepo()
	for _, a := range auctions {
		require.NoError(t, repo.CreateAuction(context.Background(), a))
	}
	clk := clock.NewMock()
	clk.Set(baseTime)
	return &env{repo: repo, gate: gate.New(repo, events.LogSink{}, gate.WithClock(clk)), clock: clk}
}

func (e *env) scheduler(submitter Submitter, locker Locker) *Scheduler {
	if submitter == nil {
		submitter = e.gate
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	cfg := DefaultConfig()
	cfg.Workers = 4
	return New(e.repo, submitter, locker, e.clock, metrics.Nop(), cfg)
}

func (e *env) status(t *testing.T, id string) models.AuctionStatus {
	t.Helper()
	snap, err := e.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return snap.Auction.Status
}

// flakySubmitter fails the first attempt for the listed auctions
type flakySubmitter struct {
	next Submitter
	mu   sync.Mutex
	fail map[string]bool
}

func (f *flakySubmitter) Submit(ctx context.Context, id string, op gate.Operation) (*gate.Result, error) {
	f.mu.Lock()
	failing := f.fail[id]
	delete(f.fail, id)
	f.mu.Unlock()
	if failing {
		return nil, fmt.Errorf("submit %s: %w", id, biddingerrors.ErrStoreUnavailable)
	}
	return f.next.Submit(ctx, id, op)
}

func TestScheduler_ActivationSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hour := time.Hour
	e := newEnv(t,
		newAuction("due-1", models.StatusPending, baseTime.Add(-hour), baseTime.Add(hour)),
		newAuction("due-2", models.StatusPending, baseTime, baseTime.Add(hour)),
		newAuction("later", models.StatusPending, baseTime.Add(hour), baseTime.Add(2*hour)),
		newAuction("active", models.StatusActive, baseTime.Add(-hour), baseTime.Add(hour)),
	)
	s := e.scheduler(nil, nil)

	report, err := s.RunActivationSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Sweep: activationSweep, Found: 2, Transitioned: 2}, report)
	require.Equal(t, models.StatusActive, e.status(t, "due-1"))
	require.Equal(t, models.StatusActive, e.status(t, "due-2"))
	require.Equal(t, models.StatusPending, e.status(t, "later"))

	// nothing left to do on the next tick
	report, err = s.RunActivationSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Found)
}

func TestScheduler_SettlementSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start, end := baseTime.Add(-2*time.Hour), baseTime.Add(-time.Minute)
	reserve := newAuction("reserve", models.StatusActive, start, end)
	reserve.ReservePrice = ptr(5000)
	e := newEnv(t,
		newAuction("empty", models.StatusActive, start, end),
		newAuction("sold", models.StatusActive, start, end),
		reserve,
		newAuction("open", models.StatusActive, start, baseTime.Add(time.Hour)),
	)

	// bids placed while the auctions were still open
	e.clock.Set(start.Add(time.Minute))
	for _, id := range []string{"sold", "reserve"} {
		_, err := e.gate.Submit(ctx, id, gate.PlaceBid{BidderID: "alice", Amount: 1000})
		require.NoError(t, err)
		_, err = e.gate.Submit(ctx, id, gate.PlaceBid{BidderID: "bob", Amount: 3000})
		require.NoError(t, err)
	}
	e.clock.Set(baseTime)

	s := e.scheduler(nil, nil)
	report, err := s.RunSettlementSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Found)
	require.Equal(t, 3, report.Transitioned)

	require.Equal(t, models.StatusNoBids, e.status(t, "empty"))
	require.Equal(t, models.StatusSold, e.status(t, "sold"))
	require.Equal(t, models.StatusEnded, e.status(t, "reserve"))
	require.Equal(t, models.StatusActive, e.status(t, "open"))

	snap, err := e.repo.Get(ctx, "reserve")
	require.NoError(t, err)
	lead, ok := snap.LeadingBid()
	require.True(t, ok)
	require.Equal(t, models.BidActive, lead.Status, "reserve not met, leading bid is not awarded")
	require.Equal(t, int64(3000), snap.Auction.CurrentPrice)
}

func TestScheduler_PartialFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start, end := baseTime.Add(-2*time.Hour), baseTime.Add(-time.Minute)
	e := newEnv(t,
		newAuction("a1", models.StatusActive, start, end),
		newAuction("a2", models.StatusActive, start, end),
		newAuction("a3", models.StatusActive, start, end),
	)
	flaky := &flakySubmitter{next: e.gate, fail: map[string]bool{"a2": true}}
	s := e.scheduler(flaky, nil)

	report, err := s.RunSettlementSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Found)
	require.Equal(t, 2, report.Transitioned)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, []string{"a2"}, report.FailedIDs)
	require.Equal(t, models.StatusActive, e.status(t, "a2"))

	// retried on the next tick
	report, err = s.RunSettlementSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Sweep: settlementSweep, Found: 1, Transitioned: 1}, report)
	for _, id := range []string{"a1", "a2", "a3"} {
		require.Equal(t, models.StatusNoBids, e.status(t, id))
	}
}

func TestScheduler_ConcurrentReplicas(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start, end := baseTime.Add(-2*time.Hour), baseTime.Add(-time.Minute)
	var auctions []models.Auction
	for i := 0; i < 20; i++ {
		auctions = append(auctions, newAuction(fmt.Sprintf("a%02d", i), models.StatusActive, start, end))
	}
	e := newEnv(t, auctions...)

	// each replica has its own gate and locker, as separate processes would;
	// conditional writes alone keep double submission harmless
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []SweepReport
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := gate.New(e.repo, events.LogSink{}, gate.WithClock(e.clock), gate.WithRetry(5, time.Millisecond))
			r, err := e.scheduler(g, NewLocalLocker()).RunSettlementSweep(ctx)
			require.NoError(t, err)
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	transitioned := 0
	for _, r := range reports {
		require.Zero(t, r.Failed)
		transitioned += r.Transitioned
	}
	require.Equal(t, len(auctions), transitioned, "each auction settles exactly once")
	for _, a := range auctions {
		require.Equal(t, models.StatusNoBids, e.status(t, a.AuctionID))
	}
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, newAuction("a1", models.StatusPending, baseTime, baseTime.Add(time.Hour)))
	locker := NewLocalLocker()
	release, ok, err := locker.TryLock(ctx, "sweep:"+activationSweep, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := e.scheduler(nil, locker)
	report, err := s.RunActivationSweep(ctx)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Equal(t, models.StatusPending, e.status(t, "a1"))

	release()
	report, err = s.RunActivationSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Transitioned)
}

type failingFinder struct{ Finder }

func (failingFinder) FindActiveToSettle(context.Context, time.Time) ([]string, error) {
	return nil, fmt.Errorf("query: %w", biddingerrors.ErrStoreUnavailable)
}

func TestScheduler_FinderError(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	s := New(failingFinder{e.repo}, e.gate, NewLocalLocker(), e.clock, metrics.Nop(), DefaultConfig())
	_, err := s.RunSettlementSweep(context.Background())
	require.ErrorIs(t, err, biddingerrors.ErrStoreUnavailable)

	// the lock is released even when the sweep fails
	_, ok, err := s.locker.TryLock(context.Background(), "sweep:"+settlementSweep, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScheduler_Run(t *testing.T) {
	t.Parallel()

	hour := time.Hour
	e := newEnv(t,
		newAuction("starting", models.StatusPending, baseTime.Add(30*time.Second), baseTime.Add(hour)),
		newAuction("ending", models.StatusActive, baseTime.Add(-hour), baseTime.Add(20*time.Second)),
	)
	s := e.scheduler(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		e.clock.Add(30 * time.Second)
		return e.status(t, "starting") == models.StatusActive && e.status(t, "ending") == models.StatusNoBids
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_RunSweepsOnStart(t *testing.T) {
	t.Parallel()

	hour := time.Hour
	e := newEnv(t,
		newAuction("overdue_start", models.StatusPending, baseTime.Add(-hour), baseTime.Add(hour)),
		newAuction("overdue_end", models.StatusActive, baseTime.Add(-2*hour), baseTime.Add(-hour)),
	)
	s := e.scheduler(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// the mock clock never advances, so no ticker fires
	require.Eventually(t, func() bool {
		return e.status(t, "overdue_start") == models.StatusActive && e.status(t, "overdue_end") == models.StatusNoBids
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLocalLocker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLocalLocker()
	release, ok, err := l.TryLock(ctx, "x", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "x", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "y", time.Second)
	require.True(t, ok, "names are independent")

	release()
	_, ok, _ = l.TryLock(ctx, "x", time.Second)
	require.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("AUCTION_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AUCTION_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	l := NewRedisLocker(url)
	defer l.Close()
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())

	release, ok, err := l.TryLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	release()
	release2, ok, err := l.TryLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	release2()

	// an expired lock can be taken over
	_, ok, err = l.TryLock(ctx, name+"-ttl", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok, err := l.TryLock(ctx, name+"-ttl", time.Second)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTransitionError(t *testing.T) {
	t.Parallel()

	err := error(&transitionError{auctionID: "a1", err: biddingerrors.ErrStoreUnavailable})
	require.True(t, errors.Is(err, biddingerrors.ErrStoreUnavailable))
	require.Equal(t, "a1: store unavailable", err.Error())
}
