// Package mongo implements the document store over a MongoDB collection. A
// record is unclaimed while proc.status is absent.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// Config holds MongoDB connection configuration.
type Config struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Store implements storage.DocumentStore.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

// NewStore connects to MongoDB and verifies the primary is reachable.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		now:    time.Now,
	}, nil
}

func newStoreWithCollection(coll *mongo.Collection) *Store {
	return &Store{coll: coll, now: time.Now}
}

// unclaimedFilter matches documents without proc.status. An equality on
// null is served by the proc index, unlike $exists: false.
var unclaimedFilter = bson.D{{Key: "proc.status", Value: nil}}

// EnsureIndexes creates the index used by claims, status counts and requeue.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "proc.status", Value: 1}, {Key: "proc.ts", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create proc index: %w", err)
	}
	return nil
}

// ClaimOne runs a single findAndModify, so the match and the lock are one
// atomic step on the server.
func (s *Store) ClaimOne(ctx context.Context, workerID string) (*domain.Record, error) {
	now := s.now().UTC()
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "proc", Value: bson.D{
		{Key: "status", Value: string(domain.ProcStatusLocked)},
		{Key: "ts", Value: now},
		{Key: "worker", Value: workerID},
	}}}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	raw, err := s.coll.FindOneAndUpdate(ctx, unclaimedFilter, update, opts).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim failed: %w", err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	rec.Proc = domain.Locked{Since: now, WorkerID: workerID}
	return rec, nil
}

func (s *Store) MarkDone(ctx context.Context, rec *domain.Record, label domain.Label, score float64) error {
	return s.updateLocked(ctx, rec, bson.D{
		{Key: "proc.status", Value: string(domain.ProcStatusDone)},
		{Key: "proc.ts", Value: s.now().UTC()},
		{Key: "pred.label", Value: string(label)},
		{Key: "pred.score", Value: score},
	})
}

func (s *Store) MarkError(ctx context.Context, rec *domain.Record, msg string) error {
	return s.updateLocked(ctx, rec, bson.D{
		{Key: "proc.status", Value: string(domain.ProcStatusError)},
		{Key: "proc.ts", Value: s.now().UTC()},
		{Key: "proc.error", Value: msg},
	})
}

// updateLocked applies set to the exact document the claim returned, and
// only while it is still locked by the same worker.
func (s *Store) updateLocked(ctx context.Context, rec *domain.Record, set bson.D) error {
	filter, err := lockedFilter(rec)
	if err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update %s failed: %w", rec.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, rec.ID)
	}
	return nil
}

func (s *Store) Counts(ctx context.Context) (domain.StatusCounts, error) {
	var c domain.StatusCounts
	targets := []struct {
		filter bson.D
		dst    *int64
	}{
		{unclaimedFilter, &c.Unclaimed},
		{bson.D{{Key: "proc.status", Value: string(domain.ProcStatusLocked)}}, &c.Locked},
		{bson.D{{Key: "proc.status", Value: string(domain.ProcStatusDone)}}, &c.Done},
		{bson.D{{Key: "proc.status", Value: string(domain.ProcStatusError)}}, &c.Error},
	}
	for _, tg := range targets {
		n, err := s.coll.CountDocuments(ctx, tg.filter)
		if err != nil {
			return c, fmt.Errorf("count failed: %w", err)
		}
		*tg.dst = n
	}
	return c, nil
}

func (s *Store) Requeue(ctx context.Context, status domain.ProcStatus, olderThan time.Duration) (int64, error) {
	if status == domain.ProcStatusUnclaimed {
		return 0, errors.New("unclaimed records cannot be requeued")
	}
	filter := bson.D{{Key: "proc.status", Value: string(status)}}
	if olderThan > 0 {
		cutoff := s.now().UTC().Add(-olderThan)
		filter = append(filter, bson.E{Key: "proc.ts", Value: bson.D{{Key: "$lt", Value: cutoff}}})
	}
	update := bson.D{{Key: "$unset", Value: bson.D{{Key: "proc", Value: ""}, {Key: "pred", Value: ""}}}}

	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func lockedFilter(rec *domain.Record) (bson.D, error) {
	key, ok := rec.Key.(bson.RawValue)
	if !ok {
		return nil, fmt.Errorf("record %s was not claimed from mongo", rec.ID)
	}
	return bson.D{
		{Key: "_id", Value: key},
		{Key: "proc.status", Value: string(domain.ProcStatusLocked)},
		{Key: "proc.worker", Value: rec.LockedBy()},
	}, nil
}

func decodeRecord(raw bson.Raw) (*domain.Record, error) {
	idVal, err := raw.LookupErr("_id")
	if err != nil {
		return nil, fmt.Errorf("document without _id: %w", err)
	}

	ext, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}

	return &domain.Record{
		ID:      stringValue(idVal),
		Key:     bson.RawValue{Type: idVal.Type, Value: append([]byte(nil), idVal.Value...)},
		UserID:  lookupString(raw, "user_id"),
		Comment: lookupString(raw, "comment"),
		Raw:     ext,
	}, nil
}

func lookupString(raw bson.Raw, key string) string {
	v, err := raw.LookupErr(key)
	if err != nil {
		return ""
	}
	return stringValue(v)
}

// stringValue renders a BSON value the way it is shown in the sink; null and
// missing values become "".
func stringValue(v bson.RawValue) string {
	switch v.Type {
	case bson.TypeString:
		return v.StringValue()
	case bson.TypeObjectID:
		return v.ObjectID().Hex()
	case bson.TypeInt32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case bson.TypeInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case bson.TypeDouble:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case bson.TypeBoolean:
		return strconv.FormatBool(v.Boolean())
	case bson.TypeNull, bson.TypeUndefined, 0:
		return ""
	}
	return v.String()
}
