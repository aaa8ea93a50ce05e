// Package mongo provides a MongoDB Backend implementation.
//
// Keys are stored hex-encoded in the _id field: BSON compares binary values
// by length before content, which would break the byte-lexicographic ordering
// contract, while ASCII hex strings compare in exactly key-byte order.
//
// Batches require a MongoDB deployment with transaction support (replica set
// or sharded cluster); standalone servers reject multi-document transactions.
package mongo

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/datastore/backend"
)

// kvDoc is the stored document shape.
type kvDoc struct {
	K string `bson:"_id"`
	V []byte `bson:"v"`
}

// Store implements backend.Backend using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// Compile-time check
var _ backend.Backend = (*Store)(nil)

// New creates a MongoDB backend with the provided client.
// Call Connect() to verify connectivity and select the collection.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{client: client, opts: o, logger: o.logger}
}

// Connect pings the deployment and binds the collection.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return backend.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", backend.ErrUnavailable)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)
	s.logger.Info("connected to MongoDB",
		"database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the backend as disconnected.
// The caller is responsible for disconnecting the client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Capabilities reports full metadata support when the deployment supports
// multi-document transactions.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		AtomicBatch:       true,
		ConflictDetection: true,
		ReadYourWrites:    true,
	}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, backend.ErrNotConnected
	}
	var doc kvDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": hex.EncodeToString(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo get: %w", err)
	}
	return doc.V, nil
}

// Iterate scans keys in order using a sorted _id cursor.
func (s *Store) Iterate(ctx context.Context, r backend.Range, fn backend.IterFunc) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}

	idFilter := bson.M{}
	if r.Start != nil {
		idFilter["$gte"] = hex.EncodeToString(r.Start)
	}
	if r.End != nil {
		idFilter["$lt"] = hex.EncodeToString(r.End)
	}
	filter := bson.M{}
	if len(idFilter) > 0 {
		filter["_id"] = idFilter
	}

	sortDir := 1
	if r.Reverse {
		sortDir = -1
	}
	findOpts := mongoopts.Find().SetSort(bson.D{{Key: "_id", Value: sortDir}})
	if r.Limit > 0 {
		findOpts.SetLimit(int64(r.Limit))
	}

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return fmt.Errorf("mongo scan: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc kvDoc
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("mongo decode: %w", err)
		}
		key, err := hex.DecodeString(doc.K)
		if err != nil {
			return fmt.Errorf("mongo key decode: %w", backend.ErrCorrupted)
		}
		cont, err := fn(key, doc.V)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return cursor.Err()
}

// Write applies a batch inside one multi-document transaction. Assertions are
// verified by reads inside the transaction; a mismatch aborts it with
// ErrConflict. Mongo's snapshot isolation also surfaces write-write races as
// transient transaction errors, which are reported as ErrConflict so the
// engine's retry loop handles both uniformly.
func (s *Store) Write(ctx context.Context, b *backend.Batch) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.applyBatch(ctx, b)
	})
	if err != nil {
		if errors.Is(err, backend.ErrConflict) {
			return backend.ErrConflict
		}
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
			return backend.ErrConflict
		}
		return fmt.Errorf("mongo write: %w", err)
	}
	return nil
}

func (s *Store) applyBatch(ctx context.Context, b *backend.Batch) error {
	for _, op := range b.Ops {
		if op.Kind != backend.OpAssert {
			continue
		}
		var doc kvDoc
		err := s.collection.FindOne(ctx, bson.M{"_id": hex.EncodeToString(op.Key)}).Decode(&doc)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			if op.Expected != nil {
				return backend.ErrConflict
			}
		case err != nil:
			return fmt.Errorf("assert read: %w", err)
		default:
			if !bytes.Equal(doc.V, op.Expected) {
				return backend.ErrConflict
			}
		}
	}

	upsert := mongoopts.UpdateOne().SetUpsert(true)
	for _, op := range b.Ops {
		id := hex.EncodeToString(op.Key)
		switch op.Kind {
		case backend.OpPut:
			_, err := s.collection.UpdateOne(ctx,
				bson.M{"_id": id}, bson.M{"$set": bson.M{"v": op.Value}}, upsert)
			if err != nil {
				return fmt.Errorf("put: %w", err)
			}
		case backend.OpDelete:
			if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
		case backend.OpAdd:
			var doc kvDoc
			err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
			if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("counter read: %w", err)
			}
			cur, err := backend.DecodeCounter(doc.V)
			if err != nil {
				return err
			}
			next := backend.EncodeCounter(cur + op.Delta)
			_, err = s.collection.UpdateOne(ctx,
				bson.M{"_id": id}, bson.M{"$set": bson.M{"v": next}}, upsert)
			if err != nil {
				return fmt.Errorf("counter write: %w", err)
			}
		}
	}
	return nil
}

// DeleteRange removes every key in [from, to).
func (s *Store) DeleteRange(ctx context.Context, from, to []byte) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	idFilter := bson.M{"$gte": hex.EncodeToString(from)}
	if to != nil {
		idFilter["$lt"] = hex.EncodeToString(to)
	}
	if _, err := s.collection.DeleteMany(ctx, bson.M{"_id": idFilter}); err != nil {
		return fmt.Errorf("mongo delete range: %w", err)
	}
	return nil
}
