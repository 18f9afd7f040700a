package events

//go:generate mockgen -source=sink.go -destination=mock_sink.go -package=events

import (
	"context"

	"auction-engine/internal/models"
	"auction-engine/utils"
)

// Sink receives lifecycle and bid events after the change they describe has
// been persisted. Delivery is at-most-once; a failed Publish is never retried.
type Sink interface {
	Publish(ctx context.Context, event models.Event) error
}

// LogSink writes every event to the structured log
type LogSink struct{}

// Publish logs the event at info level
func (LogSink) Publish(_ context.Context, e models.Event) error {
	utils.Info("auction event", map[string]any{
		"kind":          e.Kind,
		"auction_id":    e.AuctionID,
		"bid_id":        e.BidID,
		"bidder_id":     e.BidderID,
		"amount":        e.Amount,
		"current_price": e.CurrentPrice,
		"is_auto_bid":   e.IsAutoBid,
		"occurred_at":   e.OccurredAt,
	})
	return nil
}
