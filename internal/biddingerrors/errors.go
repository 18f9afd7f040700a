package biddingerrors

import (
	"errors"
	"fmt"
)

// Error categories. Every specific error below wraps exactly one of these so
// callers can branch with errors.Is on the category.
var (
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrVersionConflict  = errors.New("version conflict")
	ErrRetryExhausted   = errors.New("retry exhausted")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSinkUnavailable  = errors.New("event sink unavailable")
)

// Repository-level errors
var (
	ErrAuctionNotFound = fmt.Errorf("auction %w", ErrNotFound)
	ErrAuctionExists   = fmt.Errorf("%w: auction already exists", ErrConflict)
	ErrNoBids          = fmt.Errorf("bids %w", ErrNotFound)
)

// business logic errors
var (
	ErrInvalidBid        = fmt.Errorf("%w: invalid bid", ErrValidation)
	ErrInvalidAuction    = fmt.Errorf("%w: invalid auction", ErrValidation)
	ErrAuctionNotOpen    = fmt.Errorf("%w: auction not open for bidding", ErrConflict)
	ErrSelfBid           = fmt.Errorf("%w: seller cannot bid on own auction", ErrConflict)
	ErrBidTooLow         = fmt.Errorf("%w: bid amount too low", ErrConflict)
	ErrBuyNowUnavailable = fmt.Errorf("%w: buy now unavailable", ErrConflict)
	ErrCancelWithBids    = fmt.Errorf("%w: auction has bids", ErrConflict)
	ErrAuctionNotEnded   = fmt.Errorf("%w: auction has not reached its end time", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)
	ErrNotSeller         = fmt.Errorf("%w: requester is not the seller", ErrForbidden)
	ErrNotAdmin          = fmt.Errorf("%w: requester is not an admin", ErrForbidden)
)
