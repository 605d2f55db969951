package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/mokk-dev/food-integrator/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client, lease time.Duration) InboxRepository {
	return NewSpannerRepository(client, lease)
}

var mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

func NewRepository(ctx context.Context, cfg config.DbSettings) (InboxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		return NewPostgresRepository(db, cfg.ClaimLease), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client, cfg.ClaimLease), nil
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		collection := cfg.Collection
		if collection == "" {
			collection = inboxTable
		}
		repo := NewMongoRepository(client, cfg.DBName, collection, cfg.ClaimLease)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to create inbox indexes: %w", err)
		}
		return repo, nil
	case "memory":
		return NewMemoryRepository(cfg.ClaimLease), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
