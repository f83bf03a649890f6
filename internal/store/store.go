package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Store wraps the MongoDB deployment holding the coordinator state. All
// mutation of accounts, downloads and workers goes through conditional
// updates on this type; nothing else writes these collections.
type Store struct {
	client *mongo.Client

	Accounts  *mongo.Collection
	Downloads *mongo.Collection
	Workers   *mongo.Collection
	Watchrss  *mongo.Collection
	db        *mongo.Database
}

// Connect establishes a connection to MongoDB and ensures the unique index
// on downloads.url that deduplicates feed entries.
func Connect(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database("rssbox")
	s := &Store{
		client:    client,
		db:        db,
		Accounts:  db.Collection("accounts"),
		Downloads: db.Collection("downloads"),
		Workers:   db.Collection("workers"),
		Watchrss:  db.Collection("watchrss"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.Downloads.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create unique index on downloads.url: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// withTx runs fn inside a multi-document transaction. Coupled account and
// download transitions must go through here so a crash never leaves a state
// the reaper cannot correct.
func (s *Store) withTx(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// unlockedOr matches documents with no lease holder: the field may be
// missing, explicitly null, or an empty string. Legacy documents use all
// three encodings, so filters must accept each.
func unlockedOr(field string) bson.A {
	return bson.A{
		bson.M{field: bson.M{"$exists": false}},
		bson.M{field: nil},
		bson.M{field: ""},
	}
}
