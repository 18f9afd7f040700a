package resolver

import (
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
	"auction-engine/utils"
)

// Candidate is a bid presented to the resolver
type Candidate struct {
	BidderID   string
	Amount     int64
	MaxAutoBid *int64
	// BuyNow asks to settle at the auction's buy-now price; Amount is ignored
	BuyNow bool
}

// Decision is the outcome of an accepted bid. It carries everything the
// caller has to persist as one unit and the events to publish afterwards.
type Decision struct {
	Auction models.Auction
	// Placed is the candidate's own bid record in its final status
	Placed  models.Bid
	Leading models.Bid
	// Bids holds every new or changed bid record in write order
	Bids     []models.Bid
	AutoBids []models.Bid
	Events   []models.Event
}

// DefaultMaxProxySteps bounds how many increments a proxy ceiling may span
// above its bid. Every escalation round is recorded, so the bound also caps
// the records one bid can produce.
const DefaultMaxProxySteps = 1000

// Resolver decides bid acceptance and proxy escalation. It performs no I/O.
type Resolver struct {
	newID         func() string
	maxProxySteps int64
}

// Option configures a Resolver
type Option func(*Resolver)

// WithIDGenerator overrides how bid ids are generated
func WithIDGenerator(fn func() string) Option {
	return func(r *Resolver) {
		r.newID = fn
	}
}

// WithMaxProxySteps overrides DefaultMaxProxySteps
func WithMaxProxySteps(n int64) Option {
	return func(r *Resolver) {
		r.maxProxySteps = n
	}
}

// New creates a Resolver
func New(opts ...Option) *Resolver {
	r := &Resolver{newID: utils.GenerateID, maxProxySteps: DefaultMaxProxySteps}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EvaluateBid evaluates candidate against a consistent snapshot of the auction.
//
// Rules, in order:
//  1. the auction must be ACTIVE and now within [startTime, endTime)
//  2. the seller cannot bid
//  3. the amount must reach currentPrice+bidIncrement, or startingPrice for the first bid
//  4. an amount at or above the buy-now price settles the auction immediately
//  5. otherwise the bid leads and the displaced leader's proxy ceiling may
//     answer it, one increment at a time, for as long as either ceiling allows
func (r *Resolver) EvaluateBid(snap models.AuctionSnapshot, c Candidate, now time.Time) (*Decision, error) {
	a := snap.Auction
	if err := checkOpen(a, now); err != nil {
		return nil, err
	}
	if c.BidderID == a.SellerID {
		return nil, fmt.Errorf("resolver: %w - bidder %s owns auction %s", biddingerrors.ErrSelfBid, c.BidderID, a.AuctionID)
	}

	prev, hasPrev := snap.LeadingBid()
	b := newBuilder(a, prev, hasPrev, now)

	if c.BuyNow {
		if !b.buyNowAvailable() {
			return nil, fmt.Errorf("resolver: %w - auction %s", biddingerrors.ErrBuyNowUnavailable, a.AuctionID)
		}
		placed := b.accept(r.newBid(a.AuctionID, c.BidderID, *a.BuyNowPrice, nil, false, now))
		return b.finish(placed), nil
	}

	if c.MaxAutoBid != nil && *c.MaxAutoBid < c.Amount {
		return nil, fmt.Errorf("resolver: %w - max auto bid %d below amount %d", biddingerrors.ErrInvalidBid, *c.MaxAutoBid, c.Amount)
	}
	if c.MaxAutoBid != nil && a.BidIncrement > 0 && (*c.MaxAutoBid-c.Amount)/a.BidIncrement > r.maxProxySteps {
		return nil, fmt.Errorf("resolver: %w - max auto bid %d is more than %d increments above %d",
			biddingerrors.ErrInvalidBid, *c.MaxAutoBid, r.maxProxySteps, c.Amount)
	}
	if minimum := minimumBid(a, hasPrev); c.Amount < minimum {
		return nil, fmt.Errorf("resolver: %w - minimum acceptable bid is %d", biddingerrors.ErrBidTooLow, minimum)
	}

	placed := b.accept(r.newBid(a.AuctionID, c.BidderID, c.Amount, c.MaxAutoBid, false, now))
	if hasPrev && !b.sold {
		r.escalate(b, prev, placed)
	}
	return b.finish(placed), nil
}

// escalate runs proxy bidding once challenger has displaced prev. Only the
// displaced leader can hold unused ceiling, so the duel is between these two
// bidders: each round the trailing one answers one increment above the
// current price while its ceiling allows, and every round is recorded. With
// equal ceilings the earlier bid takes the last round the challenger could
// not be answered on.
func (r *Resolver) escalate(b *builder, prev, challenger models.Bid) {
	inc := b.auction.BidIncrement
	if inc <= 0 || prev.BidderID == challenger.BidderID {
		return
	}
	tied := prev.Ceiling() == challenger.Ceiling()

	trail := prev
	for !b.sold {
		next := b.leader.Amount + inc
		if trail.Ceiling() < next {
			return
		}
		if tied && trail.BidderID == challenger.BidderID && next+inc > prev.Ceiling() {
			b.accept(r.autoBid(prev, next, b.now))
			return
		}
		b.accept(r.autoBid(trail, next, b.now))
		if trail.BidderID == prev.BidderID {
			trail = challenger
		} else {
			trail = prev
		}
	}
}

func (r *Resolver) newBid(auctionID, bidderID string, amount int64, maxAutoBid *int64, auto bool, now time.Time) models.Bid {
	return models.Bid{
		BidID:      r.newID(),
		AuctionID:  auctionID,
		BidderID:   bidderID,
		Amount:     amount,
		MaxAutoBid: copyAmount(maxAutoBid),
		IsAutoBid:  auto,
		CreatedAt:  now,
	}
}

// autoBid synthesizes a proxy bid for the bidder behind from
func (r *Resolver) autoBid(from models.Bid, amount int64, now time.Time) models.Bid {
	return r.newBid(from.AuctionID, from.BidderID, amount, from.MaxAutoBid, true, now)
}

func checkOpen(a models.Auction, now time.Time) error {
	if a.Status != models.StatusActive {
		return fmt.Errorf("resolver: %w - auction %s is %s", biddingerrors.ErrAuctionNotOpen, a.AuctionID, a.Status)
	}
	if now.Before(a.StartTime) || !now.Before(a.EndTime) {
		return fmt.Errorf("resolver: %w - auction %s accepts bids between %s and %s", biddingerrors.ErrAuctionNotOpen,
			a.AuctionID, a.StartTime.Format(time.RFC3339), a.EndTime.Format(time.RFC3339))
	}
	return nil
}

// MinimumBid returns the lowest amount the auction accepts next
func MinimumBid(snap models.AuctionSnapshot) int64 {
	_, hasLeader := snap.LeadingBid()
	return minimumBid(snap.Auction, hasLeader)
}

func minimumBid(a models.Auction, hasLeader bool) int64 {
	if !hasLeader {
		return a.StartingPrice
	}
	return a.CurrentPrice + a.BidIncrement
}

func copyAmount(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
