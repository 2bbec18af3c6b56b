// Copyright 2025 James Ross
package store

// census_data is the primary fact table (spec.md §6): one row per
// (geography, variable, dataset, year), carrying the tagged Value union
// as three nullable typed columns instead of a single untyped column, so
// the dedup key `(geography_level, geography_code, variable_name,
// dataset, year)` stays a straightforward composite primary key.
const censusDataColumns = `
	geography_level    TEXT NOT NULL,
	geography_code     TEXT NOT NULL,
	geography_name     TEXT,
	state_code         TEXT,
	county_code        TEXT,
	tract_code         TEXT,
	block_group_code   TEXT,
	zip_code           TEXT,
	variable_name      TEXT NOT NULL,
	value_kind         INTEGER NOT NULL,
	value_int          BIGINT,
	value_float        DOUBLE PRECISION,
	value_string       TEXT,
	margin_of_error    DOUBLE PRECISION,
	dataset            TEXT NOT NULL,
	year               INTEGER NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS census_data (
	` + censusDataColumns + `,
	PRIMARY KEY (geography_level, geography_code, variable_name, dataset, year)
);
CREATE INDEX IF NOT EXISTS idx_census_data_geo ON census_data (geography_level, geography_code);
CREATE INDEX IF NOT EXISTS idx_census_data_variable ON census_data (variable_name);
CREATE INDEX IF NOT EXISTS idx_census_data_dataset_year ON census_data (dataset, year);
CREATE INDEX IF NOT EXISTS idx_census_data_state ON census_data (state_code);
CREATE INDEX IF NOT EXISTS idx_census_data_state_county ON census_data (state_code, county_code);

CREATE TABLE IF NOT EXISTS census_variables (
	variable_name TEXT PRIMARY KEY,
	label         TEXT,
	concept       TEXT,
	table_id      TEXT,
	universe      TEXT,
	variable_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS census_api_cache (
	query_hash TEXT PRIMARY KEY,
	query_url  TEXT NOT NULL,
	response   BLOB NOT NULL,
	row_count  INTEGER NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_census_api_cache_expires ON census_api_cache (expires_at);

CREATE TABLE IF NOT EXISTS census_datasets (
	dataset_id         TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT,
	base_url_pattern   TEXT,
	available_years    TEXT,
	geographic_levels  TEXT
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS census_data (
	` + censusDataColumns + `,
	PRIMARY KEY (geography_level, geography_code, variable_name, dataset, year)
);
CREATE INDEX IF NOT EXISTS idx_census_data_geo ON census_data (geography_level, geography_code);
CREATE INDEX IF NOT EXISTS idx_census_data_variable ON census_data (variable_name);
CREATE INDEX IF NOT EXISTS idx_census_data_dataset_year ON census_data (dataset, year);
CREATE INDEX IF NOT EXISTS idx_census_data_state ON census_data (state_code);
CREATE INDEX IF NOT EXISTS idx_census_data_state_county ON census_data (state_code, county_code);

CREATE TABLE IF NOT EXISTS census_variables (
	variable_name TEXT PRIMARY KEY,
	label         TEXT,
	concept       TEXT,
	table_id      TEXT,
	universe      TEXT,
	variable_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS census_api_cache (
	query_hash TEXT PRIMARY KEY,
	query_url  TEXT NOT NULL,
	response   BYTEA NOT NULL,
	row_count  INTEGER NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_census_api_cache_expires ON census_api_cache (expires_at);

CREATE TABLE IF NOT EXISTS census_datasets (
	dataset_id         TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT,
	base_url_pattern   TEXT,
	available_years    TEXT,
	geographic_levels  TEXT
);
`

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS census_data (
	geography_level   LowCardinality(String),
	geography_code    String,
	geography_name    String,
	state_code        String,
	county_code       String,
	tract_code        String,
	block_group_code  String,
	zip_code          String,
	variable_name     String,
	value_kind        UInt8,
	value_int         Int64,
	value_float       Float64,
	value_string      String,
	margin_of_error   Float64,
	dataset           String,
	year              UInt16,
	created_at        DateTime64(3),
	updated_at        DateTime64(3)
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY (geography_level, geography_code, variable_name, dataset, year);

CREATE TABLE IF NOT EXISTS census_variables (
	variable_name String,
	label         String,
	concept       String,
	table_id      String,
	universe      String,
	variable_type String
) ENGINE = ReplacingMergeTree()
ORDER BY variable_name;

CREATE TABLE IF NOT EXISTS census_api_cache (
	query_hash String,
	query_url  String,
	response   String,
	row_count  UInt32,
	expires_at DateTime64(3)
) ENGINE = ReplacingMergeTree(expires_at)
ORDER BY query_hash;

CREATE TABLE IF NOT EXISTS census_datasets (
	dataset_id        String,
	name              String,
	description       String,
	base_url_pattern  String,
	available_years   String,
	geographic_levels String
) ENGINE = ReplacingMergeTree()
ORDER BY dataset_id;
`
