package app

import (
	"context"
	"fmt"
	"strings"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosettle/internal/config"
	"github.com/mihaimyh/gosettle/pkg/settle"
	"github.com/mihaimyh/gosettle/storage/firestore"
	"github.com/mihaimyh/gosettle/storage/memory"
	"github.com/mihaimyh/gosettle/storage/postgres"
	"github.com/mihaimyh/gosettle/storage/redis"
)

// Backend is a storage driver holding both reconciliation state and the offer catalog.
type Backend interface {
	settle.Storage
	settle.Catalog
}

// OpenStorage connects the configured storage driver. The returned close
// function releases its connections.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), noop, nil

	case config.DriverPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.DSN
		pgConfig.AutoMigrate = cfg.Postgres.AutoMigrate
		if cfg.Postgres.MaxConns > 0 {
			pgConfig.MaxConns = cfg.Postgres.MaxConns
		}
		if cfg.Postgres.MinConns > 0 {
			pgConfig.MinConns = cfg.Postgres.MinConns
		}
		if cfg.Postgres.MaxConnLifetime > 0 {
			pgConfig.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
		}
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { store.Close(); return nil }, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := redis.New(client, redis.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			AuditTTL:  cfg.Redis.AuditTTL,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store, store.Close, nil

	case config.DriverFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		prefix := cfg.Firestore.CollectionPrefix
		store, err := firestore.New(client, firestore.Config{
			AccountsCollection: prefix + "accounts",
			OrdersCollection:   prefix + "orders",
			AuditCollection:    prefix + "subscription_events",
			PackagesCollection: prefix + "packages",
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

type packageWriter interface {
	PutPackage(ctx context.Context, pkg *settle.Package) error
}

// SeedCatalog writes pkgs into backends that hold the catalog themselves.
// Postgres reads offers from tables owned by the marketplace application and cannot be seeded.
func SeedCatalog(ctx context.Context, backend Backend, pkgs []*settle.Package) error {
	if len(pkgs) == 0 {
		return nil
	}
	for _, pkg := range pkgs {
		if pkg.ID == "" || strings.TrimSpace(pkg.OfferSlug) == "" {
			return fmt.Errorf("catalog entry requires id and offer_slug")
		}
		switch store := backend.(type) {
		case *memory.Storage:
			store.PutPackage(pkg)
		case packageWriter:
			if err := store.PutPackage(ctx, pkg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("storage driver %T does not support catalog seeding", backend)
		}
	}
	return nil
}
