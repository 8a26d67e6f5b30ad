package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"soulsync/cmd/internal/docstore"
)

// openStore builds the configured document store backend. The returned
// cleanup releases backend resources the store itself does not own
// (pools, clients) and is safe to call after store.Close.
func openStore(ctx context.Context, cfg Config, log Logger) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case StoreMemory:
		log.Warn("store.memory", "hint", "in-memory store configured; data is not persisted")
		return docstore.NewInMemoryStore(), func() {}, nil

	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("app: postgres backend requires SOULSYNC_DATABASE_URL")
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("app: parse database url: %w", err)
		}
		poolCfg.MaxConns = cfg.DBMaxConns
		poolCfg.MinConns = cfg.DBMinConns

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		st, err := docstore.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres", "max_conns", cfg.DBMaxConns)
		return st, pool.Close, nil

	case StoreMongo:
		if cfg.MongoURI == "" {
			return nil, nil, fmt.Errorf("app: mongo backend requires SOULSYNC_MONGO_URI")
		}
		client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("app: connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("app: ping mongo: %w", err)
		}
		coll := client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection)
		st, err := docstore.NewMongoStore(coll)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		log.Info("store.mongo", "database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
		return st, func() { _ = client.Disconnect(context.Background()) }, nil

	case StoreFirestore:
		if cfg.FirestoreProject == "" {
			return nil, nil, fmt.Errorf("app: firestore backend requires SOULSYNC_FIRESTORE_PROJECT")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("app: connect firestore: %w", err)
		}
		st, err := docstore.NewFirestoreStore(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Info("store.firestore", "project", cfg.FirestoreProject)
		return st, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}
