package helpers

import (
	"time"

	"auction-engine/internal/models"
)

// Request/Response DTOs
type CreateAuctionRequest struct {
	SellerID      string    `json:"seller_id" binding:"required"`
	ItemID        string    `json:"item_id" binding:"required"`
	Title         string    `json:"title" binding:"required"`
	Description   string    `json:"description"`
	Images        []string  `json:"images"`
	StartingPrice int64     `json:"starting_price" binding:"gte=0"`
	BidIncrement  int64     `json:"bid_increment" binding:"required,gt=0"`
	BuyNowPrice   *int64    `json:"buy_now_price" binding:"omitempty,gt=0"`
	ReservePrice  *int64    `json:"reserve_price" binding:"omitempty,gte=0"`
	StartTime     time.Time `json:"start_time" binding:"required"`
	EndTime       time.Time `json:"end_time" binding:"required"`
}

type PlaceBidRequest struct {
	BidderID   string `json:"bidder_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	MaxAutoBid *int64 `json:"max_auto_bid" binding:"omitempty,gt=0"`
}

type BuyNowRequest struct {
	BuyerID string `json:"buyer_id" binding:"required"`
}

type CancelAuctionRequest struct {
	RequesterID string `json:"requester_id" binding:"required"`
	Force       bool   `json:"force"`
}

type BidResponse struct {
	BidID      string `json:"bid_id"`
	AuctionID  string `json:"auction_id"`
	BidderID   string `json:"bidder_id"`
	Amount     int64  `json:"amount"`
	MaxAutoBid *int64 `json:"max_auto_bid,omitempty"`
	Status     string `json:"status"`
	IsAutoBid  bool   `json:"is_auto_bid"`
	CreatedAt  string `json:"created_at"`
}

type BidResultResponse struct {
	Bid           BidResponse   `json:"bid"`
	Leading       BidResponse   `json:"leading"`
	CurrentPrice  int64         `json:"current_price"`
	AuctionStatus string        `json:"auction_status"`
	AutoBids      []BidResponse `json:"auto_bids"`
}

// ToBidResponse maps a bid record to its public wire form. Proxy ceilings
// are never included.
func ToBidResponse(b models.Bid) BidResponse {
	return BidResponse{
		BidID:     b.BidID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Status:    string(b.Status),
		IsAutoBid: b.IsAutoBid,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// toViewerBidResponse adds the proxy ceiling when the bid belongs to viewer
func toViewerBidResponse(b models.Bid, viewer string) BidResponse {
	resp := ToBidResponse(b)
	if b.BidderID == viewer {
		resp.MaxAutoBid = b.MaxAutoBid
	}
	return resp
}

// ToBidResponses maps bid records, never returning nil
func ToBidResponses(bids []models.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, ToBidResponse(b))
	}
	return out
}

// ToBidResultResponse maps the outcome of a bid or buy-now for the bidder
// who placed it. Only that bidder's own ceilings are shown.
func ToBidResultResponse(r models.BidResult) BidResultResponse {
	viewer := r.Bid.BidderID
	autoBids := make([]BidResponse, 0, len(r.AutoBids))
	for _, b := range r.AutoBids {
		autoBids = append(autoBids, toViewerBidResponse(b, viewer))
	}
	return BidResultResponse{
		Bid:           toViewerBidResponse(r.Bid, viewer),
		Leading:       toViewerBidResponse(r.Leading, viewer),
		CurrentPrice:  r.CurrentPrice,
		AuctionStatus: string(r.AuctionStatus),
		AutoBids:      autoBids,
	}
}
