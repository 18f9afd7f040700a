package perftests

import (
	"context"
	"fmt"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/gate"
	"auction-engine/internal/models"
	repository "auction-engine/internal/repository"
	"auction-engine/utils"
)

// discardSink drops every event
type discardSink struct{}

func (discardSink) Publish(context.Context, models.Event) error { return nil }

// setupRepo creates repository and bidding service with numAuctions open
// auctions named auction_0..auction_n-1
func setupRepo(numAuctions int) (*repository.MemoryRepo, *bidding.BiddingService) {
	_ = utils.SetLevel("error")

	repo := repository.NewMemoryRepo()
	g := gate.New(repo, discardSink{})
	svc := bidding.NewBiddingService(repo, g)

	now := time.Now().UTC()
	for i := 0; i < numAuctions; i++ {
		_ = repo.CreateAuction(context.Background(), models.Auction{
			AuctionID:     fmt.Sprintf("auction_%d", i),
			SellerID:      "seller",
			ItemID:        fmt.Sprintf("item_%d", i),
			Title:         fmt.Sprintf("title_%d", i),
			Description:   "Load test item",
			StartingPrice: 100,
			CurrentPrice:  100,
			BidIncrement:  1,
			StartTime:     now.Add(-time.Minute),
			EndTime:       now.Add(time.Hour),
			Status:        models.StatusActive,
			Version:       1,
		})
	}
	return repo, svc
}
