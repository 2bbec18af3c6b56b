// Copyright 2025 James Ross
package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/queue"
)

// blockGroupDispatchDelay paces successive per-county block-group requests
// so a single job doesn't burst the service.
const blockGroupDispatchDelay = 200 * time.Millisecond

// buildQueries implements the level-specific fetch dispatch policy
// (spec.md §4.6): nation, state, zcta and metro are always one request;
// county and place chunk per parent state when explicit codes are given;
// block group and tract require an explicit parent state+county and issue
// one request per pair.
func buildQueries(job queue.Job) ([]census.Query, error) {
	base := census.Query{
		Dataset:   job.Dataset,
		Year:      job.Year,
		Variables: job.Variables,
		Level:     job.Geo.Level,
	}

	switch job.Geo.Level {
	case catalog.LevelNation, catalog.LevelState, catalog.LevelZcta, catalog.LevelMetro:
		q := base
		q.Codes = job.Geo.Codes
		return []census.Query{q}, nil

	case catalog.LevelCounty, catalog.LevelPlace:
		if len(job.Geo.Codes) == 0 {
			q := base
			return []census.Query{q}, nil
		}
		byState := groupCodesByState(job.Geo.Codes)
		queries := make([]census.Query, 0, len(byState))
		for state, codes := range byState {
			q := base
			q.Codes = codes
			q.ParentLevel = "state"
			q.ParentCode = state
			queries = append(queries, q)
		}
		return queries, nil

	case catalog.LevelBlockGroup, catalog.LevelTract:
		if job.Geo.ParentKind != "state_county" || job.Geo.ParentCode == "" {
			return nil, fmt.Errorf("parse/shape: %s job requires an explicit parent state+county", job.Geo.Level)
		}
		pairs := strings.Split(job.Geo.ParentCode, ",")
		queries := make([]census.Query, 0, len(pairs))
		for _, pair := range pairs {
			state, county, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, fmt.Errorf("parse/shape: malformed %s parent scope %q, want state:county", job.Geo.Level, pair)
			}
			q := base
			q.Codes = job.Geo.Codes
			q.InClause = fmt.Sprintf("state:%s county:%s", state, county)
			queries = append(queries, q)
		}
		return queries, nil

	default:
		return nil, fmt.Errorf("parse/shape: unsupported geography level %q for dispatch", job.Geo.Level)
	}
}

// buildQueriesUnsafe mirrors buildQueries for call-count estimation before
// the budget check; an error collapses to a single-call estimate so a bad
// job still gets a chance to surface its real error inside execute.
func buildQueriesUnsafe(job queue.Job) []census.Query {
	queries, err := buildQueries(job)
	if err != nil {
		return []census.Query{{}}
	}
	return queries
}

// dispatchDelay returns the inter-request pacing for levels that issue
// multiple requests per job.
func dispatchDelay(level catalog.GeographyLevel) time.Duration {
	switch level {
	case catalog.LevelBlockGroup, catalog.LevelTract:
		return blockGroupDispatchDelay
	default:
		return 0
	}
}

// groupCodesByState buckets "SS"-prefixed FIPS codes (county or place) by
// their two-digit state prefix so each bucket becomes one parent-scoped
// request.
func groupCodesByState(codes []string) map[string][]string {
	byState := make(map[string][]string)
	for _, code := range codes {
		if len(code) < 2 {
			continue
		}
		state := code[:2]
		rest := code
		if len(code) > 2 {
			rest = code[2:]
		}
		byState[state] = append(byState[state], rest)
	}
	return byState
}
