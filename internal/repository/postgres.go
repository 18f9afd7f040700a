package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
)

//go:embed migrations/001_init.sql
var schema string

const uniqueViolation = "23505"

const auctionColumns = "id, seller_id, item_id, title, description, images, starting_price, current_price, " +
	"bid_increment, buy_now_price, reserve_price, start_time, end_time, status, bid_count, " +
	"winning_bid_id, winner_id, version, created_at, updated_at"

const bidColumns = "id, auction_id, bidder_id, amount, max_auto_bid, status, is_auto_bid, created_at"

// PostgresStore implements AuctionStore on PostgreSQL
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and applies the schema
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}
	s := &PostgresStore{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema; it is safe to run repeatedly
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.Pool.Close()
}

// CreateAuction inserts a new auction row
func (s *PostgresStore) CreateAuction(ctx context.Context, a models.Auction) error {
	_, err := s.Pool.Exec(ctx,
		"INSERT INTO auctions ("+auctionColumns+") VALUES "+
			"($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)",
		a.AuctionID, a.SellerID, a.ItemID, a.Title, a.Description, images(a.Images), a.StartingPrice, a.CurrentPrice,
		a.BidIncrement, a.BuyNowPrice, a.ReservePrice, a.StartTime, a.EndTime, string(a.Status), a.BidCount,
		a.WinningBidID, a.WinnerID, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create auction %s: %w", a.AuctionID, biddingerrors.ErrAuctionExists)
		}
		return unavailable("create auction "+a.AuctionID, err)
	}
	return nil
}

// Get reads the auction and its bids inside one repeatable-read transaction
func (s *PostgresStore) Get(ctx context.Context, auctionID string) (models.AuctionSnapshot, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.AuctionSnapshot{}, unavailable("begin snapshot", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAuction(tx.QueryRow(ctx, "SELECT "+auctionColumns+" FROM auctions WHERE id = $1", auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AuctionSnapshot{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
		}
		return models.AuctionSnapshot{}, unavailable("get auction "+auctionID, err)
	}

	rows, err := tx.Query(ctx, "SELECT "+bidColumns+" FROM bids WHERE auction_id = $1 ORDER BY seq", auctionID)
	if err != nil {
		return models.AuctionSnapshot{}, unavailable("get bids "+auctionID, err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return models.AuctionSnapshot{}, unavailable("scan bid", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return models.AuctionSnapshot{}, unavailable("read bids "+auctionID, err)
	}
	return models.AuctionSnapshot{Auction: a, Bids: bids}, nil
}

// ConditionalSave updates the auction row guarded by its version and upserts
// the bid records in the same transaction
func (s *PostgresStore) ConditionalSave(ctx context.Context, a models.Auction, bids []models.Bid, expectedVersion int64) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return unavailable("begin save", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE auctions SET current_price = $1, status = $2, bid_count = $3, winning_bid_id = $4, "+
			"winner_id = $5, version = $6, updated_at = $7 WHERE id = $8 AND version = $9",
		a.CurrentPrice, string(a.Status), a.BidCount, a.WinningBidID,
		a.WinnerID, a.Version, a.UpdatedAt, a.AuctionID, expectedVersion)
	if err != nil {
		return unavailable("save auction "+a.AuctionID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM auctions WHERE id = $1)", a.AuctionID).Scan(&exists); err != nil {
			return unavailable("check auction "+a.AuctionID, err)
		}
		if !exists {
			return fmt.Errorf("save auction %s: %w", a.AuctionID, biddingerrors.ErrAuctionNotFound)
		}
		return fmt.Errorf("save auction %s: expected version %d: %w", a.AuctionID, expectedVersion, biddingerrors.ErrVersionConflict)
	}

	batch := &pgx.Batch{}
	for _, b := range bids {
		batch.Queue("INSERT INTO bids ("+bidColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status",
			b.BidID, b.AuctionID, b.BidderID, b.Amount, b.MaxAutoBid, string(b.Status), b.IsAutoBid, b.CreatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return unavailable("save bids "+a.AuctionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit save "+a.AuctionID, err)
	}
	return nil
}

// FindPendingToActivate returns PENDING auctions whose start time has passed
func (s *PostgresStore) FindPendingToActivate(ctx context.Context, now time.Time) ([]string, error) {
	return s.findIDs(ctx, "SELECT id FROM auctions WHERE status = $1 AND start_time <= $2 ORDER BY id",
		string(models.StatusPending), now)
}

// FindActiveToSettle returns ACTIVE auctions whose end time has passed
func (s *PostgresStore) FindActiveToSettle(ctx context.Context, now time.Time) ([]string, error) {
	return s.findIDs(ctx, "SELECT id FROM auctions WHERE status = $1 AND end_time <= $2 ORDER BY id",
		string(models.StatusActive), now)
}

func (s *PostgresStore) findIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("find due auctions", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("scan due auctions", err)
	}
	return ids, nil
}

// GetAuctionsByBidder returns every auction the user has bid on, in the
// order of their first bid
func (s *PostgresStore) GetAuctionsByBidder(ctx context.Context, bidderID string) ([]models.Auction, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT "+prefixed("a.", auctionColumns)+" FROM auctions a "+
			"JOIN (SELECT auction_id, MIN(seq) AS first_seq FROM bids WHERE bidder_id = $1 GROUP BY auction_id) f "+
			"ON f.auction_id = a.id ORDER BY f.first_seq",
		bidderID)
	if err != nil {
		return nil, unavailable("get auctions for bidder "+bidderID, err)
	}
	defer rows.Close()

	auctions := []models.Auction{}
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, unavailable("scan auction", err)
		}
		auctions = append(auctions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read auctions for bidder "+bidderID, err)
	}
	return auctions, nil
}

func scanAuction(row pgx.Row) (models.Auction, error) {
	var (
		a      models.Auction
		status string
	)
	err := row.Scan(&a.AuctionID, &a.SellerID, &a.ItemID, &a.Title, &a.Description, &a.Images,
		&a.StartingPrice, &a.CurrentPrice, &a.BidIncrement, &a.BuyNowPrice, &a.ReservePrice,
		&a.StartTime, &a.EndTime, &status, &a.BidCount, &a.WinningBidID, &a.WinnerID,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.Auction{}, err
	}
	a.Status = models.AuctionStatus(status)
	if len(a.Images) == 0 {
		a.Images = nil
	}
	a.StartTime, a.EndTime = a.StartTime.UTC(), a.EndTime.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}

func scanBid(row pgx.Row) (models.Bid, error) {
	var (
		b      models.Bid
		status string
	)
	if err := row.Scan(&b.BidID, &b.AuctionID, &b.BidderID, &b.Amount, &b.MaxAutoBid, &status, &b.IsAutoBid, &b.CreatedAt); err != nil {
		return models.Bid{}, err
	}
	b.Status = models.BidStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func prefixed(prefix, columns string) string {
	return prefix + strings.ReplaceAll(columns, ", ", ", "+prefix)
}

func images(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, biddingerrors.ErrStoreUnavailable, err)
}
