package models

import "time"

// EventKind names a lifecycle or bid event published to the event sink
type EventKind string

const (
	EventAuctionStarted   EventKind = "AuctionStarted"
	EventBidAccepted      EventKind = "BidAccepted"
	EventBidderOutbid     EventKind = "BidderOutbid"
	EventAuctionSold      EventKind = "AuctionSold"
	EventAuctionEnded     EventKind = "AuctionEnded"
	EventAuctionNoBids    EventKind = "AuctionNoBids"
	EventAuctionCancelled EventKind = "AuctionCancelled"
)

// Event is the payload handed to the event sink
type Event struct {
	Kind         EventKind `json:"kind"`
	AuctionID    string    `json:"auction_id"`
	BidID        string    `json:"bid_id,omitempty"`
	BidderID     string    `json:"bidder_id,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	CurrentPrice int64     `json:"current_price"`
	IsAutoBid    bool      `json:"is_auto_bid,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
