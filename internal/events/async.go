package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/metrics"
	"auction-engine/internal/models"
	"auction-engine/utils"
)

const deliverTimeout = 5 * time.Second

// AsyncSink hands events to a background goroutine so that publishing never
// blocks the caller. When the buffer is full the event is dropped.
type AsyncSink struct {
	next  Sink
	met   metrics.Service
	queue chan models.Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts delivering to next with a buffer of size events
func NewAsyncSink(next Sink, size int, met metrics.Service) *AsyncSink {
	if size < 1 {
		size = 1
	}
	s := &AsyncSink{
		next:  next,
		met:   met,
		queue: make(chan models.Event, size),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Publish enqueues the event without blocking
func (s *AsyncSink) Publish(_ context.Context, e models.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("events: sink closed: %w", biddingerrors.ErrSinkUnavailable)
	}

	select {
	case s.queue <- e:
		return nil
	default:
		s.met.BumpSum("events.dropped", 1, "kind", string(e.Kind))
		return fmt.Errorf("events: buffer full, dropped %s for auction %s: %w", e.Kind, e.AuctionID, biddingerrors.ErrSinkUnavailable)
	}
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := s.next.Publish(ctx, e); err != nil {
			s.met.BumpSum("events.err", 1, "kind", string(e.Kind))
			utils.Warn("events: delivery failed", map[string]any{
				"kind":       e.Kind,
				"auction_id": e.AuctionID,
				"error":      err.Error(),
			})
		}
		cancel()
	}
}

// Close stops accepting events and waits until the buffer is drained or ctx
// expires
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: drain: %w", ctx.Err())
	}
}
