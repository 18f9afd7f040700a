package gate

import (
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
	"auction-engine/internal/resolver"
)

// Operation is one mutation the gate can apply to an auction
type Operation interface {
	Name() string
	apply(g *Gate, snap models.AuctionSnapshot, now time.Time) (*mutation, error)
}

// mutation is what an operation wants persisted as one unit
type mutation struct {
	auction  models.Auction
	bids     []models.Bid
	events   []models.Event
	decision *resolver.Decision
	noop     bool
}

func fromDecision(d *resolver.Decision) *mutation {
	return &mutation{auction: d.Auction, bids: d.Bids, events: d.Events, decision: d}
}

// PlaceBid submits a bid, optionally with a proxy ceiling
type PlaceBid struct {
	BidderID   string
	Amount     int64
	MaxAutoBid *int64
}

func (op PlaceBid) Name() string { return "placeBid" }

func (op PlaceBid) apply(g *Gate, snap models.AuctionSnapshot, now time.Time) (*mutation, error) {
	d, err := g.resolver.EvaluateBid(snap, resolver.Candidate{
		BidderID:   op.BidderID,
		Amount:     op.Amount,
		MaxAutoBid: op.MaxAutoBid,
	}, now)
	if err != nil {
		return nil, err
	}
	return fromDecision(d), nil
}

// BuyNow settles the auction at its buy-now price
type BuyNow struct {
	BuyerID string
}

func (op BuyNow) Name() string { return "buyNow" }

func (op BuyNow) apply(g *Gate, snap models.AuctionSnapshot, now time.Time) (*mutation, error) {
	d, err := g.resolver.EvaluateBid(snap, resolver.Candidate{BidderID: op.BuyerID, BuyNow: true}, now)
	if err != nil {
		return nil, err
	}
	return fromDecision(d), nil
}

// Cancel cancels an auction. Without Force only the seller may cancel, and
// only while no bid exists. Force requires Admin and voids every bid.
type Cancel struct {
	RequesterID string
	Force       bool
	Admin       bool
}

func (op Cancel) Name() string { return "cancel" }

func (op Cancel) apply(_ *Gate, snap models.AuctionSnapshot, now time.Time) (*mutation, error) {
	a := snap.Auction
	switch {
	case a.Status == models.StatusCancelled:
		return &mutation{noop: true}, nil
	case a.Status.IsTerminal():
		return nil, fmt.Errorf("gate: %w - cannot cancel %s auction %s", biddingerrors.ErrInvalidTransition, a.Status, a.AuctionID)
	}

	if op.Force && !op.Admin {
		return nil, fmt.Errorf("gate: %w - %s cannot force cancel", biddingerrors.ErrNotAdmin, op.RequesterID)
	}
	if !op.Admin && op.RequesterID != a.SellerID {
		return nil, fmt.Errorf("gate: %w - %s does not own auction %s", biddingerrors.ErrNotSeller, op.RequesterID, a.AuctionID)
	}
	if !op.Force && a.BidCount > 0 {
		return nil, fmt.Errorf("gate: %w - auction %s has %d bids", biddingerrors.ErrCancelWithBids, a.AuctionID, a.BidCount)
	}

	var bids []models.Bid
	for _, b := range snap.Bids {
		if b.Status == models.BidCancelled {
			continue
		}
		b.Status = models.BidCancelled
		bids = append(bids, b)
	}
	a.Status = models.StatusCancelled
	a.WinningBidID = nil
	a.WinnerID = nil
	a.UpdatedAt = now

	return &mutation{
		auction: a,
		bids:    bids,
		events: []models.Event{{
			Kind:         models.EventAuctionCancelled,
			AuctionID:    a.AuctionID,
			BidderID:     op.RequesterID,
			CurrentPrice: a.CurrentPrice,
			OccurredAt:   now,
		}},
	}, nil
}

// StartTransition moves a PENDING auction to ACTIVE once its start time is reached
type StartTransition struct{}

func (StartTransition) Name() string { return "start" }

func (StartTransition) apply(_ *Gate, snap models.AuctionSnapshot, now time.Time) (*mutation, error) {
	a := snap.Auction
	if a.Status != models.StatusPending {
		return &mutation{noop: true}, nil
	}
	if now.Before(a.StartTime) {
		return nil, fmt.Errorf("gate: %w - auction %s starts at %s", biddingerrors.ErrInvalidTransition,
			a.AuctionID, a.StartTime.Format(time.RFC3339))
	}

	a.Status = models.StatusActive
	a.UpdatedAt = now
	return &mutation{
		auction: a,
		events: []models.Event{{
			Kind:         models.EventAuctionStarted,
			AuctionID:    a.AuctionID,
			CurrentPrice: a.CurrentPrice,
			OccurredAt:   now,
		}},
	}, nil
}

// EndTransition settles an ACTIVE auction whose end time has passed:
// NO_BIDS without bids, SOLD when the leading bid meets the reserve,
// ENDED otherwise
type EndTransition struct{}

func (EndTransition) Name() string { return "end" }

func (EndTransition) apply(_ *Gate, snap models.AuctionSnapshot, now time.Time) (*mutation, error) {
	a := snap.Auction
	switch {
	case a.Status.IsTerminal():
		return &mutation{noop: true}, nil
	case a.Status != models.StatusActive:
		return nil, fmt.Errorf("gate: %w - auction %s is %s", biddingerrors.ErrInvalidTransition, a.AuctionID, a.Status)
	case now.Before(a.EndTime):
		return nil, fmt.Errorf("gate: %w - auction %s ends at %s", biddingerrors.ErrAuctionNotEnded,
			a.AuctionID, a.EndTime.Format(time.RFC3339))
	}

	a.UpdatedAt = now
	event := models.Event{AuctionID: a.AuctionID, CurrentPrice: a.CurrentPrice, OccurredAt: now}
	m := &mutation{}

	lead, ok := snap.LeadingBid()
	switch {
	case !ok:
		a.Status = models.StatusNoBids
		event.Kind = models.EventAuctionNoBids
	case a.ReserveMet(lead.Amount):
		lead.Status = models.BidWon
		winner := lead.BidderID
		a.Status = models.StatusSold
		a.WinnerID = &winner
		m.bids = []models.Bid{lead}
		event.Kind = models.EventAuctionSold
		event.BidID, event.BidderID, event.Amount = lead.BidID, lead.BidderID, lead.Amount
	default:
		a.Status = models.StatusEnded
		event.Kind = models.EventAuctionEnded
		event.BidID, event.Amount = lead.BidID, lead.Amount
	}

	m.auction = a
	m.events = []models.Event{event}
	return m, nil
}
