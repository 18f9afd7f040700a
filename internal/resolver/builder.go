package resolver

import (
	"time"

	"auction-engine/internal/models"
)

// builder accumulates the effects of one evaluation on a private copy of the
// auction
type builder struct {
	auction   models.Auction
	now       time.Time
	leader    models.Bid
	hasLeader bool
	sold      bool

	records  []models.Bid
	index    map[string]int
	autoBids []models.Bid
	events   []models.Event
}

func newBuilder(a models.Auction, leader models.Bid, hasLeader bool, now time.Time) *builder {
	return &builder{
		auction:   a,
		now:       now,
		leader:    leader,
		hasLeader: hasLeader,
		index:     make(map[string]int),
	}
}

func (b *builder) buyNowAvailable() bool {
	if b.auction.BuyNowPrice == nil || b.sold {
		return false
	}
	return !b.hasLeader || *b.auction.BuyNowPrice > b.auction.CurrentPrice
}

// accept makes bid the leading bid, displacing the previous leader. A bid
// reaching the buy-now price is recorded at that price and wins outright.
// A displaced bidder other than the new leader gets an outbid event naming
// the new leading amount.
func (b *builder) accept(bid models.Bid) models.Bid {
	buyNow := b.buyNowAvailable() && bid.Amount >= *b.auction.BuyNowPrice

	var displaced *models.Bid
	if b.hasLeader {
		prev := b.leader
		prev.Status = models.BidOutbid
		b.put(prev)
		if prev.BidderID != bid.BidderID {
			displaced = &prev
		}
	}

	bid.Status = models.BidActive
	if buyNow {
		bid.Amount = *b.auction.BuyNowPrice
		bid.Status = models.BidWon
		winner := bid.BidderID
		b.auction.WinnerID = &winner
		b.auction.Status = models.StatusSold
		b.sold = true
	}
	b.put(bid)
	if bid.IsAutoBid {
		b.autoBids = append(b.autoBids, bid)
	}

	b.leader, b.hasLeader = bid, true
	b.auction.CurrentPrice = bid.Amount
	b.auction.BidCount++
	leadingID := bid.BidID
	b.auction.WinningBidID = &leadingID
	b.auction.UpdatedAt = b.now

	b.events = append(b.events, models.Event{
		Kind:         models.EventBidAccepted,
		AuctionID:    b.auction.AuctionID,
		BidID:        bid.BidID,
		BidderID:     bid.BidderID,
		Amount:       bid.Amount,
		CurrentPrice: bid.Amount,
		IsAutoBid:    bid.IsAutoBid,
		OccurredAt:   b.now,
	})
	if displaced != nil {
		b.events = append(b.events, models.Event{
			Kind:         models.EventBidderOutbid,
			AuctionID:    b.auction.AuctionID,
			BidID:        displaced.BidID,
			BidderID:     displaced.BidderID,
			Amount:       bid.Amount,
			CurrentPrice: bid.Amount,
			OccurredAt:   b.now,
		})
	}
	return bid
}

func (b *builder) put(bid models.Bid) {
	if i, ok := b.index[bid.BidID]; ok {
		b.records[i] = bid
		return
	}
	b.index[bid.BidID] = len(b.records)
	b.records = append(b.records, bid)
}

// finish assembles the decision
func (b *builder) finish(placed models.Bid) *Decision {
	if i, ok := b.index[placed.BidID]; ok {
		placed = b.records[i]
	}
	for i, bid := range b.autoBids {
		b.autoBids[i] = b.records[b.index[bid.BidID]]
	}

	if b.sold {
		b.events = append(b.events, models.Event{
			Kind:         models.EventAuctionSold,
			AuctionID:    b.auction.AuctionID,
			BidID:        b.leader.BidID,
			BidderID:     b.leader.BidderID,
			Amount:       b.leader.Amount,
			CurrentPrice: b.auction.CurrentPrice,
			OccurredAt:   b.now,
		})
	}

	return &Decision{
		Auction:  b.auction,
		Placed:   placed,
		Leading:  b.leader,
		Bids:     b.records,
		AutoBids: b.autoBids,
		Events:   b.events,
	}
}
