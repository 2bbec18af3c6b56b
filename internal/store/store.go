// Copyright 2025 James Ross

// Package store implements the Store Writer / Reader (spec.md §6): the
// persistence layer backing loaded census records, with a driver per
// config.Store.Driver (sqlite for single-node/dev, postgres for a shared
// control plane, clickhouse for archival analytics at scale).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/redisclient"
)

// Backend is the persistence contract the Worker Pool writes through and
// the CLI/API reads through.
type Backend interface {
	InsertBatch(ctx context.Context, records []census.Record) error
	UpsertVariables(ctx context.Context, vars []catalog.VariableDefinition) error
	CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	Close() error
}

// sqlBackend is shared by the sqlite, postgres and clickhouse drivers, which
// all speak database/sql; DDL, placeholder syntax and upsert clauses differ
// between them.
type sqlBackend struct {
	writeDB *sql.DB
	readDB  *sql.DB
	dialect dialect
	redis   *redis.Client // optional fast path in front of census_api_cache
}

type dialect struct {
	name         string
	placeholder  func(n int) string
	upsertClause string
}

// Open builds a Backend for the configured driver. Connections are split
// into a write pool and a read pool (spec.md §6, 30/70 split) so bulk
// inserts from the Worker Pool never starve concurrent status reads from
// the Monitor or CLI. When cache.RedisAddr is set, cache_put/cache_get use
// go-redis's SET EX/GET as a fast path (mirroring the teacher's
// exactly-once-patterns TTL-cache idiom) in front of the durable
// census_api_cache table, which remains the system of record so a cache miss
// after a Redis restart still serves from disk instead of refetching.
func Open(cfg config.Store, cache config.Cache) (Backend, error) {
	var backend *sqlBackend
	var err error
	switch cfg.Driver {
	case "sqlite":
		backend, err = openSQLite(cfg)
	case "postgres":
		backend, err = openPostgres(cfg)
	case "clickhouse":
		backend, err = openClickHouse(cfg)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cache.RedisAddr != "" {
		backend.redis = redisclient.New(cache.RedisAddr)
	}
	return backend, nil
}

// CachePut stores a raw API response keyed by query_hash; query_url carries
// the same key since the generic Backend interface doesn't separate the two,
// and row_count is left at 0 (only callers going through census_api_cache
// directly, e.g. future admin tooling, need that column populated).
func (b *sqlBackend) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.redis != nil {
		// Best-effort: census_api_cache is the system of record, so a redis
		// hiccup shouldn't fail the write, only cost a slower next read.
		_ = b.redis.Set(ctx, cacheRedisKey(key), value, ttl).Err()
	}

	expires := time.Now().UTC().Add(ttl)
	upsert := b.dialect.upsertClause
	q := fmt.Sprintf(`INSERT INTO census_api_cache (query_hash, query_url, response, row_count, expires_at) VALUES (%s, %s, %s, %s, %s) %s`,
		b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3), b.dialect.placeholder(4), b.dialect.placeholder(5), upsert)
	_, err := b.writeDB.ExecContext(ctx, q, key, key, value, 0, expires)
	return err
}

func (b *sqlBackend) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	if b.redis != nil {
		// A redis miss (Nil) or connection error both fall through to the
		// durable table rather than being treated as a cache error — redis
		// here is strictly an accelerator, never the only copy.
		if value, err := b.redis.Get(ctx, cacheRedisKey(key)).Bytes(); err == nil {
			return value, true, nil
		}
	}

	q := fmt.Sprintf(`SELECT response FROM census_api_cache WHERE query_hash = %s AND expires_at > %s`,
		b.dialect.placeholder(1), b.dialect.placeholder(2))
	row := b.readDB.QueryRowContext(ctx, q, key, time.Now().UTC())
	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func cacheRedisKey(key string) string {
	return "census_api_cache:" + key
}

func (b *sqlBackend) Close() error {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if err := b.writeDB.Close(); err != nil {
		return err
	}
	return b.readDB.Close()
}
