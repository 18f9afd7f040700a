package repository

//go:generate mockgen -source=repository.go -destination=mock_repository.go -package=repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
)

// AuctionStore defines the durable storage for auctions and their bids.
//
// ConditionalSave persists an auction together with new or changed bid
// records as one unit, only if the stored version still equals
// expectedVersion. The auction passed in already carries its next version.
// A stale expectedVersion yields biddingerrors.ErrVersionConflict and
// nothing is written.
type AuctionStore interface {
	CreateAuction(ctx context.Context, auction models.Auction) error
	Get(ctx context.Context, auctionID string) (models.AuctionSnapshot, error)
	ConditionalSave(ctx context.Context, auction models.Auction, bids []models.Bid, expectedVersion int64) error
	FindPendingToActivate(ctx context.Context, now time.Time) ([]string, error)
	FindActiveToSettle(ctx context.Context, now time.Time) ([]string, error)
	GetAuctionsByBidder(ctx context.Context, bidderID string) ([]models.Auction, error)
}

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionStore
type MemoryRepo struct {
	mu           sync.RWMutex
	auctions     map[string]models.Auction // key: auctionID -> value: auction
	bids         map[string][]models.Bid   // key: auctionID -> value: bids in creation order
	userAuctions map[string][]string       // key: bidderID -> value: auctionIDs the user has bid on
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		auctions:     make(map[string]models.Auction),
		bids:         make(map[string][]models.Bid),
		userAuctions: make(map[string][]string),
	}
}

// CreateAuction stores a new auction
func (r *MemoryRepo) CreateAuction(_ context.Context, auction models.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.auctions[auction.AuctionID]; ok {
		return fmt.Errorf("create auction %s: %w", auction.AuctionID, biddingerrors.ErrAuctionExists)
	}
	r.auctions[auction.AuctionID] = cloneAuction(auction)
	return nil
}

// Get returns a consistent snapshot of the auction and its bids
func (r *MemoryRepo) Get(_ context.Context, auctionID string) (models.AuctionSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.auctions[auctionID]
	if !ok {
		return models.AuctionSnapshot{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return models.AuctionSnapshot{
		Auction: cloneAuction(a),
		Bids:    append([]models.Bid(nil), r.bids[auctionID]...),
	}, nil
}

// ConditionalSave writes the auction and bid records if the stored version
// matches expectedVersion
func (r *MemoryRepo) ConditionalSave(_ context.Context, auction models.Auction, bids []models.Bid, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.auctions[auction.AuctionID]
	if !ok {
		return fmt.Errorf("save auction %s: %w", auction.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("save auction %s: stored version %d, expected %d: %w",
			auction.AuctionID, stored.Version, expectedVersion, biddingerrors.ErrVersionConflict)
	}

	existing := r.bids[auction.AuctionID]
	pos := make(map[string]int, len(existing))
	for i, b := range existing {
		pos[b.BidID] = i
	}
	for _, b := range bids {
		if i, ok := pos[b.BidID]; ok {
			existing[i] = b
			continue
		}
		pos[b.BidID] = len(existing)
		existing = append(existing, b)
		r.trackBidder(b.BidderID, b.AuctionID)
	}
	r.bids[auction.AuctionID] = existing
	r.auctions[auction.AuctionID] = cloneAuction(auction)
	return nil
}

func (r *MemoryRepo) trackBidder(bidderID, auctionID string) {
	for _, id := range r.userAuctions[bidderID] {
		if id == auctionID {
			return
		}
	}
	r.userAuctions[bidderID] = append(r.userAuctions[bidderID], auctionID)
}

// FindPendingToActivate returns PENDING auctions whose start time has passed
func (r *MemoryRepo) FindPendingToActivate(_ context.Context, now time.Time) ([]string, error) {
	return r.find(func(a models.Auction) bool {
		return a.Status == models.StatusPending && !now.Before(a.StartTime)
	}), nil
}

// FindActiveToSettle returns ACTIVE auctions whose end time has passed
func (r *MemoryRepo) FindActiveToSettle(_ context.Context, now time.Time) ([]string, error) {
	return r.find(func(a models.Auction) bool {
		return a.Status == models.StatusActive && !now.Before(a.EndTime)
	}), nil
}

func (r *MemoryRepo) find(match func(models.Auction) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, a := range r.auctions {
		if match(a) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetAuctionsByBidder returns every auction the user has bid on, in the
// order of their first bid
func (r *MemoryRepo) GetAuctionsByBidder(_ context.Context, bidderID string) ([]models.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.userAuctions[bidderID]
	auctions := make([]models.Auction, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.auctions[id]; ok {
			auctions = append(auctions, cloneAuction(a))
		}
	}
	return auctions, nil
}

func cloneAuction(a models.Auction) models.Auction {
	if a.Images != nil {
		a.Images = append([]string(nil), a.Images...)
	}
	return a
}
