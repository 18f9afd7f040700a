package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
	"auction-engine/utils"
)

const auctionsCollection = "auctions"

// auctionDoc keeps an auction and its bids in one document so that every
// conditional save is a single-document atomic replace
type auctionDoc struct {
	models.Auction `bson:",inline"`
	Bids           []models.Bid `bson:"bids"`
	Bidders        []string     `bson:"bidders"`
}

// MongoStore implements AuctionStore on MongoDB
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri and prepares the auctions collection in dbName
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	s := &MongoStore{client: client, coll: client.Database(dbName).Collection(auctionsCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	utils.Info("mongo store connected", map[string]any{"database": dbName})
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "start_time", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_time", Value: 1}}},
		{Keys: bson.D{{Key: "bidders", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// CreateAuction inserts a new auction document
func (s *MongoStore) CreateAuction(ctx context.Context, a models.Auction) error {
	doc := auctionDoc{Auction: a, Bids: []models.Bid{}, Bidders: []string{}}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create auction %s: %w", a.AuctionID, biddingerrors.ErrAuctionExists)
		}
		return unavailable("create auction "+a.AuctionID, err)
	}
	return nil
}

// Get reads the auction document; one document is always a consistent snapshot
func (s *MongoStore) Get(ctx context.Context, auctionID string) (models.AuctionSnapshot, error) {
	doc, err := s.load(ctx, auctionID)
	if err != nil {
		return models.AuctionSnapshot{}, err
	}
	return models.AuctionSnapshot{Auction: normalize(doc.Auction), Bids: normalizeBids(doc.Bids)}, nil
}

func (s *MongoStore) load(ctx context.Context, auctionID string) (*auctionDoc, error) {
	var doc auctionDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": auctionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
		}
		return nil, unavailable("get auction "+auctionID, err)
	}
	return &doc, nil
}

// ConditionalSave merges bid records into the stored document and replaces it
// only while its version still equals expectedVersion
func (s *MongoStore) ConditionalSave(ctx context.Context, a models.Auction, bids []models.Bid, expectedVersion int64) error {
	doc, err := s.load(ctx, a.AuctionID)
	if err != nil {
		return err
	}
	if doc.Version != expectedVersion {
		return fmt.Errorf("save auction %s: stored version %d, expected %d: %w",
			a.AuctionID, doc.Version, expectedVersion, biddingerrors.ErrVersionConflict)
	}

	pos := make(map[string]int, len(doc.Bids))
	for i, b := range doc.Bids {
		pos[b.BidID] = i
	}
	seen := make(map[string]bool, len(doc.Bidders))
	for _, id := range doc.Bidders {
		seen[id] = true
	}
	for _, b := range bids {
		if i, ok := pos[b.BidID]; ok {
			doc.Bids[i] = b
			continue
		}
		pos[b.BidID] = len(doc.Bids)
		doc.Bids = append(doc.Bids, b)
		if !seen[b.BidderID] {
			seen[b.BidderID] = true
			doc.Bidders = append(doc.Bidders, b.BidderID)
		}
	}
	doc.Auction = a

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": a.AuctionID, "version": expectedVersion}, doc)
	if err != nil {
		return unavailable("save auction "+a.AuctionID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("save auction %s: expected version %d: %w", a.AuctionID, expectedVersion, biddingerrors.ErrVersionConflict)
	}
	return nil
}

// FindPendingToActivate returns PENDING auctions whose start time has passed
func (s *MongoStore) FindPendingToActivate(ctx context.Context, now time.Time) ([]string, error) {
	return s.findIDs(ctx, bson.M{"status": models.StatusPending, "start_time": bson.M{"$lte": now}})
}

// FindActiveToSettle returns ACTIVE auctions whose end time has passed
func (s *MongoStore) FindActiveToSettle(ctx context.Context, now time.Time) ([]string, error) {
	return s.findIDs(ctx, bson.M{"status": models.StatusActive, "end_time": bson.M{"$lte": now}})
}

func (s *MongoStore) findIDs(ctx context.Context, filter bson.M) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("find due auctions", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, unavailable("decode due auctions", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// GetAuctionsByBidder returns every auction the user has bid on, in the
// order of their first bid
func (s *MongoStore) GetAuctionsByBidder(ctx context.Context, bidderID string) ([]models.Auction, error) {
	cur, err := s.coll.Find(ctx, bson.M{"bidders": bidderID})
	if err != nil {
		return nil, unavailable("get auctions for bidder "+bidderID, err)
	}
	var docs []auctionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("decode auctions for bidder "+bidderID, err)
	}

	first := make(map[string]time.Time, len(docs))
	for _, d := range docs {
		for _, b := range d.Bids {
			if b.BidderID == bidderID {
				first[d.AuctionID] = b.CreatedAt
				break
			}
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return first[docs[i].AuctionID].Before(first[docs[j].AuctionID])
	})

	auctions := make([]models.Auction, 0, len(docs))
	for _, d := range docs {
		auctions = append(auctions, normalize(d.Auction))
	}
	return auctions, nil
}

// normalize restores UTC times, which BSON datetimes decode as local time
func normalize(a models.Auction) models.Auction {
	a.StartTime, a.EndTime = a.StartTime.UTC(), a.EndTime.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a
}

func normalizeBids(bids []models.Bid) []models.Bid {
	if len(bids) == 0 {
		return nil
	}
	for i := range bids {
		bids[i].CreatedAt = bids[i].CreatedAt.UTC()
	}
	return bids
}
