package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoRepository stores one document per event with the event id as _id,
// so the primary key index enforces uniqueness.
type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
	lease      time.Duration
}

func NewMongoRepository(client *mongo.Client, database, collection string, lease time.Duration) *MongoRepository {
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &MongoRepository{
		client:     client,
		collection: client.Database(database).Collection(collection),
		lease:      lease,
	}
}

// EnsureIndexes creates the index backing the claim query.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "status", Value: 1}, {Key: "received_at", Value: 1}},
		Options: options.Index().SetName("status_received_at"),
	})
	return err
}

func (m *MongoRepository) InsertIfAbsent(ctx context.Context, event *InboxEvent) (*InboxEvent, error) {
	stored := InboxEvent{
		EventID:     event.EventID,
		OrderID:     event.OrderID,
		EventType:   event.EventType,
		OrderStatus: event.OrderStatus,
		Payload:     event.Payload,
		Status:      StatusPending,
		ReceivedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	var conflict bool
	err := instrument(ctx, systemMongo, "InsertIfAbsent", func(ctx context.Context) (int, error) {
		_, err := m.collection.InsertOne(ctx, stored)
		if mongo.IsDuplicateKeyError(err) {
			conflict = true
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil || conflict {
		return nil, err
	}
	return &stored, nil
}

// ClaimBatch claims rows one at a time with FindOneAndUpdate. Each update is
// atomic on its document, so two workers never lease the same event.
func (m *MongoRepository) ClaimBatch(ctx context.Context, limit int, maxRetries int) ([]InboxEvent, error) {
	var events []InboxEvent
	err := instrument(ctx, systemMongo, "ClaimBatch", func(ctx context.Context) (int, error) {
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "received_at", Value: 1}}).
			SetReturnDocument(options.After)

		for len(events) < limit {
			now := time.Now().UTC()
			filter := bson.M{
				"status":              bson.M{"$in": []Status{StatusPending, StatusFailed}},
				"processing_attempts": bson.M{"$lt": maxRetries},
				"$or": []bson.M{
					{"claimed_until": nil},
					{"claimed_until": bson.M{"$lt": now}},
				},
			}
			update := bson.M{"$set": bson.M{"claimed_until": now.Add(m.lease)}}

			var event InboxEvent
			err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&event)
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			if err != nil {
				return len(events), err
			}
			events = append(events, event)
		}
		return len(events), nil
	})
	if err != nil {
		if len(events) > 0 {
			ids := make([]string, len(events))
			for i, event := range events {
				ids[i] = event.EventID
			}
			if releaseErr := m.ReleaseClaims(context.WithoutCancel(ctx), ids); releaseErr != nil {
				log.Printf("Failed to release %d partially claimed events: %v", len(ids), releaseErr)
			}
		}
		return nil, err
	}
	return events, nil
}

func (m *MongoRepository) ReleaseClaims(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return instrument(ctx, systemMongo, "ReleaseClaims", func(ctx context.Context) (int, error) {
		res, err := m.collection.UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": eventIDs}},
			bson.M{"$unset": bson.M{"claimed_until": ""}},
		)
		if err != nil {
			return 0, err
		}
		return int(res.ModifiedCount), nil
	})
}

func (m *MongoRepository) MarkProcessed(ctx context.Context, eventID string) error {
	return m.finish(ctx, "MarkProcessed", eventID, bson.M{
		"$set": bson.M{
			"status":       StatusProcessed,
			"processed_at": time.Now().UTC(),
		},
		"$inc":   bson.M{"processing_attempts": 1},
		"$unset": bson.M{"claimed_until": ""},
	})
}

func (m *MongoRepository) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	return m.finish(ctx, "MarkFailed", eventID, bson.M{
		"$set": bson.M{
			"status":       StatusFailed,
			"processed_at": time.Now().UTC(),
			"last_error":   errMsg,
		},
		"$inc":   bson.M{"processing_attempts": 1},
		"$unset": bson.M{"claimed_until": ""},
	})
}

func (m *MongoRepository) finish(ctx context.Context, spanName, eventID string, update bson.M) error {
	return instrument(ctx, systemMongo, spanName, func(ctx context.Context) (int, error) {
		res, err := m.collection.UpdateOne(ctx, bson.M{"_id": eventID}, update)
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return int(res.ModifiedCount), nil
	})
}

func (m *MongoRepository) Get(ctx context.Context, eventID string) (*InboxEvent, error) {
	var event InboxEvent
	err := instrument(ctx, systemMongo, "Get", func(ctx context.Context) (int, error) {
		err := m.collection.FindOne(ctx, bson.M{"_id": eventID}).Decode(&event)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (m *MongoRepository) Stats(ctx context.Context, maxRetries int) (InboxStats, error) {
	var stats InboxStats
	err := instrument(ctx, systemMongo, "Stats", func(ctx context.Context) (int, error) {
		cursor, err := m.collection.Aggregate(ctx, mongo.Pipeline{
			{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$status"},
				{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			}}},
		})
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var group struct {
				Status Status `bson:"_id"`
				Count  int64  `bson:"count"`
			}
			if err := cursor.Decode(&group); err != nil {
				return 0, err
			}
			switch group.Status {
			case StatusPending:
				stats.Pending = group.Count
			case StatusProcessed:
				stats.Processed = group.Count
			case StatusFailed:
				stats.Failed = group.Count
			}
		}
		if err := cursor.Err(); err != nil {
			return 0, err
		}

		stats.Exhausted, err = m.collection.CountDocuments(ctx, bson.M{
			"status":              StatusFailed,
			"processing_attempts": bson.M{"$gte": maxRetries},
		})
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	return stats, err
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
