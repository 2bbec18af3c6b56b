// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/flyingrobots/census-ingest/internal/config"
)

// openClickHouse is grounded on the archival exporter's connection setup:
// LZ4 compression, a bounded pool, and a context-timeout ping before use.
func openClickHouse(cfg config.Store) (*sqlBackend, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	writers := cfg.Pool.MaxOpenWriters
	if writers < 1 {
		writers = 3
	}
	conn.SetMaxOpenConns(writers)

	if err := conn.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("store: ping clickhouse: %w", err)
	}
	if _, err := conn.ExecContext(context.Background(), clickhouseSchema); err != nil {
		return nil, fmt.Errorf("store: apply clickhouse schema: %w", err)
	}

	readers := cfg.Pool.MaxOpenReaders
	if readers < 1 {
		readers = 7
	}
	readConn := clickhouse.OpenDB(&clickhouse.Options{
		Addr:        []string{cfg.DSN},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	readConn.SetMaxOpenConns(readers)

	return &sqlBackend{
		writeDB: conn,
		readDB:  readConn,
		dialect: dialect{
			name:        "clickhouse",
			placeholder: func(int) string { return "?" },
			// ClickHouse has no native upsert; ReplacingMergeTree dedups on
			// merge, so a plain insert doubles as a replace here.
			upsertClause: "",
		},
	}, nil
}
