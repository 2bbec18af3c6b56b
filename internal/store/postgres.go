// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flyingrobots/census-ingest/internal/config"
)

func openPostgres(cfg config.Store) (*sqlBackend, error) {
	writeDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres write handle: %w", err)
	}
	writers := cfg.Pool.MaxOpenWriters
	if writers < 1 {
		writers = 3
	}
	writeDB.SetMaxOpenConns(writers)

	readDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres read handle: %w", err)
	}
	readers := cfg.Pool.MaxOpenReaders
	if readers < 1 {
		readers = 7
	}
	readDB.SetMaxOpenConns(readers)

	if _, err := writeDB.ExecContext(context.Background(), postgresSchema); err != nil {
		return nil, fmt.Errorf("store: apply postgres schema: %w", err)
	}

	return &sqlBackend{
		writeDB: writeDB,
		readDB:  readDB,
		dialect: dialect{
			name:         "postgres",
			placeholder:  func(n int) string { return fmt.Sprintf("$%d", n) },
			upsertClause: "ON CONFLICT (query_hash) DO UPDATE SET query_url = EXCLUDED.query_url, response = EXCLUDED.response, row_count = EXCLUDED.row_count, expires_at = EXCLUDED.expires_at",
		},
	}, nil
}
