package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/gate"
	"auction-engine/internal/metrics"
	"auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"
)

// Submitter applies an operation to one auction through the gate
type Submitter interface {
	Submit(ctx context.Context, auctionID string, op gate.Operation) (*gate.Result, error)
}

// NewAuction is the seller's input for creating an auction
type NewAuction struct {
	SellerID      string
	ItemID        string
	Title         string
	Description   string
	Images        []string
	StartingPrice int64
	BidIncrement  int64
	BuyNowPrice   *int64
	ReservePrice  *int64
	StartTime     time.Time
	EndTime       time.Time
}

// BiddingService defines the caller-facing auction operations
type BiddingService struct {
	store  repository.AuctionStore
	gate   Submitter
	clock  clock.Clock
	met    metrics.Service
	admins map[string]bool
}

// Option configures a BiddingService
type Option func(*BiddingService)

// WithClock sets the clock used to stamp new auctions
func WithClock(c clock.Clock) Option {
	return func(s *BiddingService) { s.clock = c }
}

// WithMetrics sets the metrics service
func WithMetrics(m metrics.Service) Option {
	return func(s *BiddingService) { s.met = m }
}

// WithAdmins lists the requesters allowed to force-cancel
func WithAdmins(ids ...string) Option {
	return func(s *BiddingService) {
		for _, id := range ids {
			s.admins[id] = true
		}
	}
}

// NewBiddingService creates a new BiddingService instance
func NewBiddingService(store repository.AuctionStore, g Submitter, opts ...Option) *BiddingService {
	s := &BiddingService{
		store:  store,
		gate:   g,
		clock:  clock.New(),
		met:    metrics.Nop(),
		admins: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAuction validates and stores a new PENDING auction
func (s *BiddingService) CreateAuction(ctx context.Context, in NewAuction) (models.Auction, error) {
	if err := validateAuction(in); err != nil {
		return models.Auction{}, err
	}

	now := s.clock.Now().UTC()
	a := models.Auction{
		AuctionID:     utils.GenerateID(),
		SellerID:      in.SellerID,
		ItemID:        in.ItemID,
		Title:         in.Title,
		Description:   in.Description,
		Images:        in.Images,
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		BidIncrement:  in.BidIncrement,
		BuyNowPrice:   in.BuyNowPrice,
		ReservePrice:  in.ReservePrice,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Status:        models.StatusPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAuction(ctx, a); err != nil {
		return models.Auction{}, fmt.Errorf("service: failed to create auction for seller %s: %w", in.SellerID, err)
	}

	utils.Info("auction created", map[string]any{
		"auction_id": a.AuctionID,
		"seller_id":  a.SellerID,
		"start_time": a.StartTime,
		"end_time":   a.EndTime,
	})
	return a, nil
}

// validateAuction checks the seller's input
func validateAuction(in NewAuction) error {
	switch {
	case strings.TrimSpace(in.SellerID) == "" || strings.TrimSpace(in.ItemID) == "" || strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("service: %w - missing sellerID, itemID or title", biddingerrors.ErrInvalidAuction)
	case in.StartingPrice < 0:
		return fmt.Errorf("service: %w - negative starting price", biddingerrors.ErrInvalidAuction)
	case in.BidIncrement <= 0:
		return fmt.Errorf("service: %w - bid increment must be positive", biddingerrors.ErrInvalidAuction)
	case in.BuyNowPrice != nil && *in.BuyNowPrice <= in.StartingPrice:
		return fmt.Errorf("service: %w - buy now price must exceed the starting price", biddingerrors.ErrInvalidAuction)
	case in.ReservePrice != nil && *in.ReservePrice < in.StartingPrice:
		return fmt.Errorf("service: %w - reserve price below the starting price", biddingerrors.ErrInvalidAuction)
	case in.StartTime.IsZero() || !in.EndTime.After(in.StartTime):
		return fmt.Errorf("service: %w - end time must follow start time", biddingerrors.ErrInvalidAuction)
	}
	return nil
}

// PlaceBid validates and submits a bid, optionally with a proxy ceiling
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64, maxAutoBid *int64) (models.BidResult, error) {
	if auctionID == "" || bidderID == "" {
		return models.BidResult{}, fmt.Errorf("service: %w - missing auctionID or bidderID", biddingerrors.ErrInvalidBid)
	}
	if amount <= 0 {
		return models.BidResult{}, fmt.Errorf("service: %w - non-positive bid amount", biddingerrors.ErrInvalidBid)
	}
	if maxAutoBid != nil && *maxAutoBid < amount {
		return models.BidResult{}, fmt.Errorf("service: %w - max auto bid %d below amount %d", biddingerrors.ErrInvalidBid, *maxAutoBid, amount)
	}

	res, err := s.gate.Submit(ctx, auctionID, gate.PlaceBid{BidderID: bidderID, Amount: amount, MaxAutoBid: maxAutoBid})
	if err != nil {
		s.met.BumpSum("bid.rejected", 1, "op", "placeBid", "reason", reason(err))
		return models.BidResult{}, fmt.Errorf("service: failed to place bid on auction %s by bidder %s: %w", auctionID, bidderID, err)
	}
	return s.bidResult(res), nil
}

// BuyNow buys the item at the auction's buy-now price
func (s *BiddingService) BuyNow(ctx context.Context, auctionID, buyerID string) (models.BidResult, error) {
	if auctionID == "" || buyerID == "" {
		return models.BidResult{}, fmt.Errorf("service: %w - missing auctionID or buyerID", biddingerrors.ErrInvalidBid)
	}

	res, err := s.gate.Submit(ctx, auctionID, gate.BuyNow{BuyerID: buyerID})
	if err != nil {
		s.met.BumpSum("bid.rejected", 1, "op", "buyNow", "reason", reason(err))
		return models.BidResult{}, fmt.Errorf("service: failed to buy now on auction %s by buyer %s: %w", auctionID, buyerID, err)
	}
	return s.bidResult(res), nil
}

func (s *BiddingService) bidResult(res *gate.Result) models.BidResult {
	d := res.Decision
	s.met.BumpSum("bid.accepted", float64(1+len(d.AutoBids)))
	return models.BidResult{
		Bid:           d.Placed,
		Leading:       d.Leading,
		CurrentPrice:  res.Auction.CurrentPrice,
		AuctionStatus: res.Auction.Status,
		AutoBids:      d.AutoBids,
	}
}

// CancelAuction cancels an auction on behalf of requesterID. force voids
// existing bids and is reserved to admins.
func (s *BiddingService) CancelAuction(ctx context.Context, auctionID, requesterID string, force bool) (models.Auction, error) {
	if auctionID == "" || requesterID == "" {
		return models.Auction{}, fmt.Errorf("service: %w - missing auctionID or requesterID", biddingerrors.ErrValidation)
	}

	res, err := s.gate.Submit(ctx, auctionID, gate.Cancel{
		RequesterID: requesterID,
		Force:       force,
		Admin:       s.admins[requesterID],
	})
	if err != nil {
		return models.Auction{}, fmt.Errorf("service: failed to cancel auction %s by %s: %w", auctionID, requesterID, err)
	}
	return res.Auction, nil
}

// GetAuction returns an auction with all of its bids
func (s *BiddingService) GetAuction(ctx context.Context, auctionID string) (models.AuctionSnapshot, error) {
	if auctionID == "" {
		return models.AuctionSnapshot{}, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrValidation)
	}

	snap, err := s.store.Get(ctx, auctionID)
	if err != nil {
		return models.AuctionSnapshot{}, fmt.Errorf("service: failed to get auction %s: %w", auctionID, err)
	}
	if snap.Bids == nil {
		snap.Bids = []models.Bid{}
	}
	return snap, nil
}

// GetBidsForAuction returns every bid record of an auction in creation order
func (s *BiddingService) GetBidsForAuction(ctx context.Context, auctionID string) ([]models.Bid, error) {
	snap, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return snap.Bids, nil
}

// GetWinningBid returns the auction's leading bid
func (s *BiddingService) GetWinningBid(ctx context.Context, auctionID string) (models.Bid, error) {
	snap, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return models.Bid{}, err
	}

	lead, ok := snap.LeadingBid()
	if !ok {
		return models.Bid{}, fmt.Errorf("service: failed to get winning bid for auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return lead, nil
}

// GetAuctionsByBidder returns all auctions a user has placed bids on
func (s *BiddingService) GetAuctionsByBidder(ctx context.Context, bidderID string) ([]models.Auction, error) {
	if bidderID == "" {
		return nil, fmt.Errorf("service: %w - empty bidder ID", biddingerrors.ErrValidation)
	}

	auctions, err := s.store.GetAuctionsByBidder(ctx, bidderID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get auctions for bidder %s: %w", bidderID, err)
	}
	return auctions, nil
}

// reason names the error category for metrics tags
func reason(err error) string {
	switch {
	case errors.Is(err, biddingerrors.ErrValidation):
		return "validation"
	case errors.Is(err, biddingerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, biddingerrors.ErrConflict):
		return "conflict"
	case errors.Is(err, biddingerrors.ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return "internal"
}
