// Package gate serializes every mutation of an auction. Operations on the
// same auction run one at a time inside this process, and every write is a
// version-guarded save so that concurrent writers in other processes are
// detected and retried from a fresh read.
package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/events"
	"auction-engine/internal/metrics"
	"auction-engine/internal/models"
	"auction-engine/internal/resolver"
	"auction-engine/utils"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Millisecond
	defaultOpTimeout  = 5 * time.Second
)

// Store is the persistence the gate needs
type Store interface {
	Get(ctx context.Context, auctionID string) (models.AuctionSnapshot, error)
	ConditionalSave(ctx context.Context, auction models.Auction, bids []models.Bid, expectedVersion int64) error
}

// Result describes a committed operation
type Result struct {
	Auction models.Auction
	// Decision is set for accepted bids and buy-now purchases
	Decision *resolver.Decision
	// Noop is true when the operation found nothing to change
	Noop bool
}

// Gate applies operations to auctions
type Gate struct {
	store      Store
	sink       events.Sink
	resolver   *resolver.Resolver
	clock      clock.Clock
	met        metrics.Service
	locks      *keyedMutex
	maxRetries int
	retryDelay time.Duration
	opTimeout  time.Duration
}

// Option configures a Gate
type Option func(*Gate)

// WithClock sets the clock used for "now"
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithResolver sets the bid resolver
func WithResolver(r *resolver.Resolver) Option {
	return func(g *Gate) { g.resolver = r }
}

// WithMetrics sets the metrics service
func WithMetrics(m metrics.Service) Option {
	return func(g *Gate) { g.met = m }
}

// WithRetry sets how many times a version conflict is retried and the base
// delay between attempts
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(g *Gate) {
		g.maxRetries = maxRetries
		g.retryDelay = delay
	}
}

// WithOpTimeout bounds a single operation regardless of its caller
func WithOpTimeout(d time.Duration) Option {
	return func(g *Gate) { g.opTimeout = d }
}

// New creates a Gate
func New(store Store, sink events.Sink, opts ...Option) *Gate {
	g := &Gate{
		store:      store,
		sink:       sink,
		resolver:   resolver.New(),
		clock:      clock.New(),
		met:        metrics.Nop(),
		locks:      newKeyedMutex(),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		opTimeout:  defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit applies op to the auction and returns once it has committed or failed.
//
// The operation runs detached from ctx: when ctx ends first the caller gets
// ctx's error while the operation still runs to completion, so it is never
// left half applied. Events are published after the auction lock is
// released; publish failures are logged and do not fail the operation.
func (g *Gate) Submit(ctx context.Context, auctionID string, op Operation) (*Result, error) {
	defer g.met.BumpTime("gate.submit.time", "op", op.Name()).End()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opTimeout)
	go func() {
		defer cancel()
		res, err := g.run(opCtx, auctionID, op)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("gate: %s on auction %s: %w", op.Name(), auctionID, ctx.Err())
	}
}

func (g *Gate) run(ctx context.Context, auctionID string, op Operation) (*Result, error) {
	res, pending, err := g.locked(ctx, auctionID, op)
	if err != nil {
		return nil, err
	}

	for _, e := range pending {
		if err := g.sink.Publish(ctx, e); err != nil {
			utils.Warn("gate: event not published", map[string]any{
				"kind":       e.Kind,
				"auction_id": e.AuctionID,
				"error":      err.Error(),
			})
		}
	}
	return res, nil
}

// locked runs execute under the auction lock. A panic is returned as an error
// once the lock is released.
func (g *Gate) locked(ctx context.Context, auctionID string, op Operation) (res *Result, pending []models.Event, err error) {
	unlock := g.locks.Lock(auctionID)
	defer unlock()
	defer func() {
		if p := recover(); p != nil {
			utils.Error("gate: operation panicked", map[string]any{
				"op":         op.Name(),
				"auction_id": auctionID,
				"panic":      fmt.Sprint(p),
				"stack":      string(debug.Stack()),
			})
			g.met.BumpSum("gate.panic", 1, "op", op.Name())
			res, pending, err = nil, nil, fmt.Errorf("gate: %s on auction %s panicked: %v", op.Name(), auctionID, p)
		}
	}()
	return g.execute(ctx, auctionID, op)
}

// execute runs the read, apply, conditional save cycle with bounded retries
func (g *Gate) execute(ctx context.Context, auctionID string, op Operation) (*Result, []models.Event, error) {
	for attempt := 0; ; attempt++ {
		snap, err := g.store.Get(ctx, auctionID)
		if err != nil {
			return nil, nil, fmt.Errorf("gate: load auction %s: %w", auctionID, err)
		}

		m, err := op.apply(g, snap, g.clock.Now())
		if err != nil {
			g.met.BumpSum("gate.rejected", 1, "op", op.Name())
			return nil, nil, err
		}
		if m.noop {
			return &Result{Auction: snap.Auction, Noop: true}, nil, nil
		}

		m.auction.Version = snap.Auction.Version + 1
		err = g.store.ConditionalSave(ctx, m.auction, m.bids, snap.Auction.Version)
		if err == nil {
			g.met.BumpSum("gate.committed", 1, "op", op.Name())
			return &Result{Auction: m.auction, Decision: m.decision}, m.events, nil
		}
		if !errors.Is(err, biddingerrors.ErrVersionConflict) {
			return nil, nil, fmt.Errorf("gate: save auction %s: %w", auctionID, err)
		}

		g.met.BumpSum("gate.version_conflict", 1, "op", op.Name())
		if attempt >= g.maxRetries {
			g.met.BumpSum("gate.retry_exhausted", 1, "op", op.Name())
			return nil, nil, fmt.Errorf("gate: %s on auction %s after %d attempts: %w: %w",
				op.Name(), auctionID, attempt+1, biddingerrors.ErrRetryExhausted, err)
		}
		utils.Warn("gate: version conflict, retrying", map[string]any{
			"op":         op.Name(),
			"auction_id": auctionID,
			"attempt":    attempt + 1,
		})
		if err := sleep(ctx, g.retryDelay*time.Duration(attempt+1)); err != nil {
			return nil, nil, fmt.Errorf("gate: %s on auction %s: %w", op.Name(), auctionID, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
