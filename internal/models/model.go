package models

import "time"

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	StatusPending   AuctionStatus = "PENDING"
	StatusActive    AuctionStatus = "ACTIVE"
	StatusEnded     AuctionStatus = "ENDED"
	StatusSold      AuctionStatus = "SOLD"
	StatusCancelled AuctionStatus = "CANCELLED"
	StatusNoBids    AuctionStatus = "NO_BIDS"
)

// IsTerminal reports whether no further transition may leave this state
func (s AuctionStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusSold, StatusCancelled, StatusNoBids:
		return true
	}
	return false
}

// BidStatus is the state of a single bid record
type BidStatus string

const (
	BidActive    BidStatus = "ACTIVE"
	BidOutbid    BidStatus = "OUTBID"
	BidWon       BidStatus = "WON"
	BidCancelled BidStatus = "CANCELLED"
)

// Auction represents one ascending-price auction for a single item.
// All prices are integral amounts in the smallest currency unit.
type Auction struct {
	AuctionID     string        `json:"auction_id" bson:"_id"`
	SellerID      string        `json:"seller_id" bson:"seller_id"`
	ItemID        string        `json:"item_id" bson:"item_id"`
	Title         string        `json:"title" bson:"title"`
	Description   string        `json:"description" bson:"description"`
	Images        []string      `json:"images,omitempty" bson:"images,omitempty"`
	StartingPrice int64         `json:"starting_price" bson:"starting_price"`
	CurrentPrice  int64         `json:"current_price" bson:"current_price"`
	BidIncrement  int64         `json:"bid_increment" bson:"bid_increment"`
	BuyNowPrice   *int64        `json:"buy_now_price,omitempty" bson:"buy_now_price,omitempty"`
	ReservePrice  *int64        `json:"reserve_price,omitempty" bson:"reserve_price,omitempty"`
	StartTime     time.Time     `json:"start_time" bson:"start_time"`
	EndTime       time.Time     `json:"end_time" bson:"end_time"`
	Status        AuctionStatus `json:"status" bson:"status"`
	BidCount      int           `json:"bid_count" bson:"bid_count"`
	WinningBidID  *string       `json:"winning_bid_id,omitempty" bson:"winning_bid_id,omitempty"`
	WinnerID      *string       `json:"winner_id,omitempty" bson:"winner_id,omitempty"`
	Version       int64         `json:"version" bson:"version"`
	CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" bson:"updated_at"`
}

// ReserveMet reports whether amount satisfies the reserve price, if any
func (a Auction) ReserveMet(amount int64) bool {
	return a.ReservePrice == nil || amount >= *a.ReservePrice
}

// Bid represents a bid record. The amount of a bid never changes after
// creation; proxy escalation creates new records.
type Bid struct {
	BidID      string    `json:"bid_id" bson:"bid_id"`
	AuctionID  string    `json:"auction_id" bson:"auction_id"`
	BidderID   string    `json:"bidder_id" bson:"bidder_id"`
	Amount     int64     `json:"amount" bson:"amount"`
	MaxAutoBid *int64    `json:"max_auto_bid,omitempty" bson:"max_auto_bid,omitempty"`
	Status     BidStatus `json:"status" bson:"status"`
	IsAutoBid  bool      `json:"is_auto_bid" bson:"is_auto_bid"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// Ceiling is the highest amount the bidder has authorized for this bid
func (b Bid) Ceiling() int64 {
	if b.MaxAutoBid != nil && *b.MaxAutoBid > b.Amount {
		return *b.MaxAutoBid
	}
	return b.Amount
}

// AuctionSnapshot is a consistent read of an auction and all of its bids,
// bids ordered by creation.
type AuctionSnapshot struct {
	Auction Auction `json:"auction"`
	Bids    []Bid   `json:"bids"`
}

// LeadingBid returns the bid referenced by the auction's winning bid id
func (s AuctionSnapshot) LeadingBid() (Bid, bool) {
	if s.Auction.WinningBidID == nil {
		return Bid{}, false
	}
	for i := len(s.Bids) - 1; i >= 0; i-- {
		if s.Bids[i].BidID == *s.Auction.WinningBidID {
			return s.Bids[i], true
		}
	}
	return Bid{}, false
}

// BidResult is returned to a caller who placed a bid or bought now
type BidResult struct {
	// Bid is the caller's own bid record in its final status
	Bid           Bid           `json:"bid"`
	Leading       Bid           `json:"leading"`
	CurrentPrice  int64         `json:"current_price"`
	AuctionStatus AuctionStatus `json:"auction_status"`
	// AutoBids holds the proxy bids synthesized while resolving this bid
	AutoBids []Bid `json:"auto_bids,omitempty"`
}
