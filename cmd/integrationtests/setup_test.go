package integrationtests

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/events"
	"auction-engine/internal/gate"
	"auction-engine/internal/lifecycle"
	"auction-engine/internal/metrics"
	"auction-engine/internal/repository"
	"auction-engine/internal/server"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// TestEnv is a full in-memory service behind the HTTP router, with a clock the
// test controls and the scheduler sweeps run on demand
type TestEnv struct {
	Router    *gin.Engine
	Repo      *repository.MemoryRepo
	Clock     *clock.Mock
	Scheduler *lifecycle.Scheduler
}

// SetupTestEnv initializes the router with in-memory repository for integration testing.
func SetupTestEnv(admins ...string) *TestEnv {
	gin.SetMode(gin.TestMode)
	clk := clock.NewMock()
	clk.Set(baseTime)

	repo := repository.NewMemoryRepo()
	g := gate.New(repo, events.LogSink{}, gate.WithClock(clk))
	service := bidding.NewBiddingService(repo, g, bidding.WithClock(clk), bidding.WithAdmins(admins...))
	sched := lifecycle.New(repo, g, lifecycle.NewLocalLocker(), clk, metrics.Nop(), lifecycle.DefaultConfig())

	return &TestEnv{
		Router:    server.SetupRouter(service, metrics.Nop()),
		Repo:      repo,
		Clock:     clk,
		Scheduler: sched,
	}
}

// ExecuteRequestAndParse executes an HTTP request on the given router and parses the response
func ExecuteRequestAndParse(t *testing.T, router *gin.Engine, method, url string, body any) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()
	var reqBody []byte
	var err error

	switch v := body.(type) {
	case nil:
	case []byte:
		reqBody = v
	default:
		reqBody, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		err := json.Unmarshal(w.Body.Bytes(), &resp)
		if err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	}

	return resp, w
}

// Data returns the envelope's data object
func Data(resp map[string]any) map[string]any {
	data, _ := resp["data"].(map[string]any)
	return data
}
