// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/config"
)

func openSQLite(cfg config.Store) (*sqlBackend, error) {
	writeDB, err := sql.Open("sqlite3", cfg.DSN+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1) // sqlite serializes writers regardless; keep it explicit.

	readDB, err := sql.Open("sqlite3", cfg.DSN+"?_journal_mode=WAL&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite read handle: %w", err)
	}
	readers := cfg.Pool.MaxOpenReaders
	if readers < 1 {
		readers = 4
	}
	readDB.SetMaxOpenConns(readers)

	if _, err := writeDB.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}

	return &sqlBackend{
		writeDB: writeDB,
		readDB:  readDB,
		dialect: dialect{
			name:         "sqlite",
			placeholder:  func(int) string { return "?" },
			upsertClause: "ON CONFLICT (query_hash) DO UPDATE SET query_url = excluded.query_url, response = excluded.response, row_count = excluded.row_count, expires_at = excluded.expires_at",
		},
	}, nil
}

// InsertBatch upserts one row per (record, variable) pair, replacing any
// prior value for the same dataset/year/geography/variable key — a rerun of
// the same job is idempotent.
func (b *sqlBackend) InsertBatch(ctx context.Context, records []census.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, b.insertRecordSQL())
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, rec := range records {
		for name, v := range rec.VariableValues {
			if _, err := stmt.ExecContext(ctx,
				string(rec.GeographyLevel), rec.GeographyCode, rec.Name,
				rec.StateCode, rec.CountyCode, rec.TractCode, rec.BlockGroupCode, rec.ZipCode,
				name, int(v.Kind), nullableInt(v), nullableFloat(v), nullableString(v),
				nullableMOE(v), rec.Dataset, rec.Year, now, now,
			); err != nil {
				return fmt.Errorf("store: insert record %s/%s: %w", rec.GeographyCode, name, err)
			}
		}
	}
	return tx.Commit()
}

const censusDataInsertColumns = `geography_level, geography_code, geography_name, state_code, county_code, tract_code, block_group_code, zip_code,
	variable_name, value_kind, value_int, value_float, value_string, margin_of_error, dataset, year, created_at, updated_at`

const censusDataConflictTarget = `geography_level, geography_code, variable_name, dataset, year`

func (b *sqlBackend) insertRecordSQL() string {
	switch b.dialect.name {
	case "postgres":
		return `INSERT INTO census_data (` + censusDataInsertColumns + `)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (` + censusDataConflictTarget + `)
			DO UPDATE SET geography_name = EXCLUDED.geography_name, value_kind = EXCLUDED.value_kind, value_int = EXCLUDED.value_int,
				value_float = EXCLUDED.value_float, value_string = EXCLUDED.value_string, margin_of_error = EXCLUDED.margin_of_error,
				updated_at = EXCLUDED.updated_at`
	case "clickhouse":
		// ReplacingMergeTree dedups by sort key on merge; a plain insert of
		// a newer updated_at is the "upsert" here, no ON CONFLICT clause exists.
		return `INSERT INTO census_data (` + censusDataInsertColumns + `)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	default:
		return `INSERT INTO census_data (` + censusDataInsertColumns + `)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (` + censusDataConflictTarget + `)
			DO UPDATE SET geography_name = excluded.geography_name, value_kind = excluded.value_kind, value_int = excluded.value_int,
				value_float = excluded.value_float, value_string = excluded.value_string, margin_of_error = excluded.margin_of_error,
				updated_at = excluded.updated_at`
	}
}

func (b *sqlBackend) UpsertVariables(ctx context.Context, vars []catalog.VariableDefinition) error {
	if len(vars) == 0 {
		return nil
	}
	var q string
	switch b.dialect.name {
	case "postgres":
		q = `INSERT INTO census_variables (variable_name, label, concept, table_id, universe, variable_type) VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (variable_name) DO UPDATE SET label = EXCLUDED.label, concept = EXCLUDED.concept,
				table_id = EXCLUDED.table_id, universe = EXCLUDED.universe, variable_type = EXCLUDED.variable_type`
	case "clickhouse":
		q = `INSERT INTO census_variables (variable_name, label, concept, table_id, universe, variable_type) VALUES (?,?,?,?,?,?)`
	default:
		q = `INSERT INTO census_variables (variable_name, label, concept, table_id, universe, variable_type) VALUES (?,?,?,?,?,?)
			ON CONFLICT (variable_name) DO UPDATE SET label = excluded.label, concept = excluded.concept,
				table_id = excluded.table_id, universe = excluded.universe, variable_type = excluded.variable_type`
	}
	tx, err := b.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, v := range vars {
		// label/concept/table_id/universe have no source field on
		// catalog.VariableDefinition yet; description stands in for label
		// until the catalog grows dedicated ACS metadata fields.
		if _, err := tx.ExecContext(ctx, q, v.Code, v.Description, nil, nil, nil, string(v.Category)); err != nil {
			return fmt.Errorf("store: upsert variable %s: %w", v.Code, err)
		}
	}
	return tx.Commit()
}

func nullableInt(v census.Value) any {
	if v.Kind == census.KindInt64 {
		return v.I
	}
	return nil
}

func nullableFloat(v census.Value) any {
	if v.Kind == census.KindFloat64 {
		return v.F
	}
	return nil
}

func nullableString(v census.Value) any {
	if v.Kind == census.KindString {
		return v.S
	}
	return nil
}

// nullableMOE always returns nil: the census client doesn't yet parse a
// margin-of-error companion variable out of API responses, so the column
// stays NULL until that parsing exists.
func nullableMOE(v census.Value) any {
	return nil
}
