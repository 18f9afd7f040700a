package integrationtests

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"auction-engine/services/bidding/helpers"

	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func auctionRequest(mutate func(*helpers.CreateAuctionRequest)) helpers.CreateAuctionRequest {
	req := helpers.CreateAuctionRequest{
		SellerID:      "seller1",
		ItemID:        "item1",
		Title:         "Film camera",
		Description:   "Rangefinder, 1962",
		StartingPrice: 100,
		BidIncrement:  10,
		StartTime:     baseTime.Add(time.Minute),
		EndTime:       baseTime.Add(time.Hour),
	}
	if mutate != nil {
		mutate(&req)
	}
	return req
}

// createAuction posts req and returns the new auction id
func createAuction(t *testing.T, env *TestEnv, req helpers.CreateAuctionRequest) string {
	t.Helper()
	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions", req)
	require.Equal(t, http.StatusCreated, w.Code, "create auction: %v", resp)
	data := Data(resp)
	require.Equal(t, "PENDING", data["status"])
	return data["auction_id"].(string)
}

// activate moves the clock to the auction start and runs the activation sweep
func activate(t *testing.T, env *TestEnv) {
	t.Helper()
	env.Clock.Add(time.Minute)
	report, err := env.Scheduler.RunActivationSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Failed)
}

// settle moves the clock past the auction end and runs the settlement sweep
func settle(t *testing.T, env *TestEnv) {
	t.Helper()
	env.Clock.Add(time.Hour)
	report, err := env.Scheduler.RunSettlementSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Failed)
}

func placeBid(t *testing.T, env *TestEnv, auctionID string, req helpers.PlaceBidRequest) (map[string]any, int) {
	t.Helper()
	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/bids", req)
	return resp, w.Code
}

func getAuction(t *testing.T, env *TestEnv, auctionID string) map[string]any {
	t.Helper()
	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	return Data(resp)["auction"].(map[string]any)
}

// Full lifecycle: pending, activation, proxy bidding, settlement
func TestAuctionLifecycle(t *testing.T) {
	env := SetupTestEnv()
	auctionID := createAuction(t, env, auctionRequest(func(r *helpers.CreateAuctionRequest) {
		r.ReservePrice = ptr(200)
	}))

	resp, code := placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user1", Amount: 100})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, resp["message"], "auction not open for bidding")

	activate(t, env)
	require.Equal(t, "ACTIVE", getAuction(t, env, auctionID)["status"])

	resp, code = placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user1", Amount: 100, MaxAutoBid: ptr(250)})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, 100.0, Data(resp)["current_price"])

	// user1's proxy answers one increment above user2
	resp, code = placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user2", Amount: 150})
	require.Equal(t, http.StatusCreated, code)
	data := Data(resp)
	require.Equal(t, 160.0, data["current_price"])
	require.Equal(t, "OUTBID", data["bid"].(map[string]any)["status"])
	require.Equal(t, "user1", data["leading"].(map[string]any)["bidder_id"])
	require.Len(t, data["auto_bids"], 1)

	resp, code = placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user2", Amount: 165})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, resp["message"], "bid amount too low")

	resp, code = placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user2", Amount: 300})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "user2", Data(resp)["leading"].(map[string]any)["bidder_id"])

	resp, code = placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "seller1", Amount: 400})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, resp["message"], "seller cannot bid on own auction")

	settle(t, env)

	auction := getAuction(t, env, auctionID)
	require.Equal(t, "SOLD", auction["status"])
	require.Equal(t, "user2", auction["winner_id"])
	require.Equal(t, 300.0, auction["current_price"])
	require.Equal(t, 4.0, auction["bid_count"])

	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID+"/winning", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user2", Data(resp)["bidder_id"])
	require.Equal(t, "WON", Data(resp)["status"])

	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID+"/bids", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["data"].([]any), 4)

	resp, code = placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user3", Amount: 1000})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, resp["message"], "auction not open for bidding")

	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/users/user1/auctions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	auctions := resp["data"].([]any)
	require.Len(t, auctions, 1)
	require.Equal(t, auctionID, auctions[0].(map[string]any)["auction_id"])
}

// Settlement outcomes other than SOLD
func TestSettlementOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		reserve    *int64
		bids       []helpers.PlaceBidRequest
		wantStatus string
		wantWinner bool
	}{
		{
			name:       "No_Bids",
			wantStatus: "NO_BIDS",
		},
		{
			name:       "Reserve_Not_Met",
			reserve:    ptr(500),
			bids:       []helpers.PlaceBidRequest{{BidderID: "user1", Amount: 200}},
			wantStatus: "ENDED",
		},
		{
			name:       "Sold_Without_Reserve",
			bids:       []helpers.PlaceBidRequest{{BidderID: "user1", Amount: 100}},
			wantStatus: "SOLD",
			wantWinner: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := SetupTestEnv()
			auctionID := createAuction(t, env, auctionRequest(func(r *helpers.CreateAuctionRequest) {
				r.ReservePrice = tt.reserve
			}))
			activate(t, env)
			for _, bid := range tt.bids {
				_, code := placeBid(t, env, auctionID, bid)
				require.Equal(t, http.StatusCreated, code)
			}
			settle(t, env)

			auction := getAuction(t, env, auctionID)
			require.Equal(t, tt.wantStatus, auction["status"])
			if tt.wantWinner {
				require.Equal(t, "user1", auction["winner_id"])
			} else {
				require.Nil(t, auction["winner_id"])
			}

			// a second sweep finds nothing to settle
			report, err := env.Scheduler.RunSettlementSweep(context.Background())
			require.NoError(t, err)
			require.Equal(t, 0, report.Found)
		})
	}
}

// Buy now settles immediately at the buy-now price
func TestBuyNow(t *testing.T) {
	env := SetupTestEnv()
	auctionID := createAuction(t, env, auctionRequest(func(r *helpers.CreateAuctionRequest) {
		r.BuyNowPrice = ptr(500)
	}))
	activate(t, env)

	_, code := placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user1", Amount: 120})
	require.Equal(t, http.StatusCreated, code)

	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/buy-now", helpers.BuyNowRequest{BuyerID: "buyer1"})
	require.Equal(t, http.StatusCreated, w.Code)
	data := Data(resp)
	require.Equal(t, "SOLD", data["auction_status"])
	require.Equal(t, 500.0, data["current_price"])
	require.Equal(t, "WON", data["bid"].(map[string]any)["status"])

	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/buy-now", helpers.BuyNowRequest{BuyerID: "buyer2"})
	require.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, "buyer1", getAuction(t, env, auctionID)["winner_id"])
}

// A bid at or above the buy-now price also settles the auction
func TestBidAtBuyNowPrice(t *testing.T) {
	env := SetupTestEnv()
	auctionID := createAuction(t, env, auctionRequest(func(r *helpers.CreateAuctionRequest) {
		r.BuyNowPrice = ptr(500)
	}))
	activate(t, env)

	resp, code := placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user1", Amount: 600})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "SOLD", Data(resp)["auction_status"])
}

// Cancellation rules for sellers and admins
func TestCancelAuction(t *testing.T) {
	t.Run("Seller_Cancels_Pending", func(t *testing.T) {
		env := SetupTestEnv()
		auctionID := createAuction(t, env, auctionRequest(nil))

		resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/cancel",
			helpers.CancelAuctionRequest{RequesterID: "seller1"})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "CANCELLED", Data(resp)["status"])

		// cancelled auctions are never activated
		activate(t, env)
		require.Equal(t, "CANCELLED", getAuction(t, env, auctionID)["status"])
	})

	t.Run("Bids_Block_Seller_Until_Admin_Forces", func(t *testing.T) {
		env := SetupTestEnv("admin1")
		auctionID := createAuction(t, env, auctionRequest(nil))
		activate(t, env)
		_, code := placeBid(t, env, auctionID, helpers.PlaceBidRequest{BidderID: "user1", Amount: 100})
		require.Equal(t, http.StatusCreated, code)

		_, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/cancel",
			helpers.CancelAuctionRequest{RequesterID: "seller1"})
		require.Equal(t, http.StatusConflict, w.Code)

		_, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/cancel",
			helpers.CancelAuctionRequest{RequesterID: "seller1", Force: true})
		require.Equal(t, http.StatusForbidden, w.Code)

		_, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/cancel",
			helpers.CancelAuctionRequest{RequesterID: "admin1", Force: true})
		require.Equal(t, http.StatusOK, w.Code)

		resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID+"/bids", nil)
		require.Equal(t, http.StatusOK, w.Code)
		for _, b := range resp["data"].([]any) {
			require.Equal(t, "CANCELLED", b.(map[string]any)["status"])
		}

		_, w = ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID+"/winning", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Stranger_Forbidden", func(t *testing.T) {
		env := SetupTestEnv()
		auctionID := createAuction(t, env, auctionRequest(nil))
		_, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/auctions/"+auctionID+"/cancel",
			helpers.CancelAuctionRequest{RequesterID: "user9"})
		require.Equal(t, http.StatusForbidden, w.Code)
	})
}

// Queries on unknown auctions and users
func TestNotFound(t *testing.T) {
	env := SetupTestEnv()

	tests := []struct {
		name       string
		method     string
		url        string
		body       any
		wantStatus int
	}{
		{"Get_Auction", http.MethodGet, "/auctions/missing", nil, http.StatusNotFound},
		{"Get_Bids", http.MethodGet, "/auctions/missing/bids", nil, http.StatusNotFound},
		{"Get_Winning", http.MethodGet, "/auctions/missing/winning", nil, http.StatusNotFound},
		{"Place_Bid", http.MethodPost, "/auctions/missing/bids", helpers.PlaceBidRequest{BidderID: "user1", Amount: 100}, http.StatusNotFound},
		{"Unknown_User", http.MethodGet, "/users/nobody/auctions", nil, http.StatusOK},
		{"Invalid_JSON", http.MethodPost, "/auctions", []byte("{title: 'missing quotes'}"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, w := ExecuteRequestAndParse(t, env.Router, tt.method, tt.url, tt.body)
			require.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

// Concurrent bids on one auction leave a single consistent leader
func TestConcurrentBids(t *testing.T) {
	env := SetupTestEnv()
	auctionID := createAuction(t, env, auctionRequest(nil))
	activate(t, env)

	const bidders = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, code := placeBid(t, env, auctionID, helpers.PlaceBidRequest{
				BidderID: fmt.Sprintf("user%d", i),
				Amount:   int64(100 + 10*i),
			})
			if code == http.StatusCreated {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if code != http.StatusConflict {
				t.Errorf("unexpected status %d", code)
			}
		}(i)
	}
	wg.Wait()

	auction := getAuction(t, env, auctionID)
	require.Equal(t, 290.0, auction["current_price"])
	require.Equal(t, float64(accepted), auction["bid_count"])

	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID+"/winning", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, fmt.Sprintf("user%d", bidders-1), Data(resp)["bidder_id"])

	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/"+auctionID+"/bids", nil)
	require.Equal(t, http.StatusOK, w.Code)
	active := 0
	for _, b := range resp["data"].([]any) {
		if b.(map[string]any)["status"] == "ACTIVE" {
			active++
		}
	}
	require.Equal(t, 1, active)
}
