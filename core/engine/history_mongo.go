package engine

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/querybridge/querybridge/core/shared/errors"
)

// MongoSinkConfig configures the durable execution-history sink.
type MongoSinkConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoSink writes execution records to a MongoDB collection
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSink connects and verifies reachability with a ping
func NewMongoSink(ctx context.Context, cfg MongoSinkConfig) (*MongoSink, error) {
	if cfg.Database == "" {
		cfg.Database = "querybridge"
	}
	if cfg.Collection == "" {
		cfg.Collection = "execution_history"
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendUnavailable, "mongo connect failed", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(errors.ErrCodeBackendUnavailable, "mongo ping failed", err)
	}

	return &MongoSink{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (s *MongoSink) Write(ctx context.Context, record ExecutionRecord) error {
	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		return errors.Wrap(errors.ErrCodeHistoryWriteError, "insert execution record", err)
	}
	return nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
