// Copyright 2025 James Ross

// Package census is the consumed external statistical service collaborator
// (spec.md §6): it builds get=/for=/in=/key= requests against the public
// HTTPS endpoint and parses the headers-row + data-rows JSON envelope into
// internal Records.
package census

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/census-ingest/internal/catalog"
)

// MaxVariablesPerCall is the statistical service's hard cap on variables in
// a single get= clause.
const MaxVariablesPerCall = 50

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Query describes one request to the statistical service.
type Query struct {
	Dataset     string
	Year        int
	Variables   []string
	Level       catalog.GeographyLevel
	Codes       []string // empty means "*" (all)
	ParentLevel string   // e.g. "state"
	ParentCode  string   // e.g. "06", or "*"
	// InClause, when set, overrides ParentLevel/ParentCode verbatim. Needed
	// for compound parent scopes (e.g. block_group's "state:06 county:075")
	// that a single level:code pair can't express.
	InClause string
}

func (q Query) forClause() (string, error) {
	levelToken, err := forToken(q.Level)
	if err != nil {
		return "", err
	}
	codes := "*"
	if len(q.Codes) > 0 {
		codes = strings.Join(q.Codes, ",")
	}
	return fmt.Sprintf("%s:%s", levelToken, codes), nil
}

func forToken(level catalog.GeographyLevel) (string, error) {
	switch level {
	case catalog.LevelNation:
		return "us", nil
	case catalog.LevelState:
		return "state", nil
	case catalog.LevelCounty:
		return "county", nil
	case catalog.LevelZcta:
		return "zip code tabulation area", nil
	case catalog.LevelBlockGroup:
		return "block group", nil
	case catalog.LevelTract:
		return "tract", nil
	case catalog.LevelPlace:
		return "place", nil
	case catalog.LevelMetro:
		return "metropolitan statistical area/micropolitan statistical area", nil
	default:
		return "", fmt.Errorf("parse/shape: unsupported geography level %q for request", level)
	}
}

func (c *Client) buildURL(q Query) (string, error) {
	if len(q.Variables) == 0 {
		return "", fmt.Errorf("parse/shape: query has no variables")
	}
	if len(q.Variables) > MaxVariablesPerCall {
		return "", fmt.Errorf("parse/shape: query exceeds %d-variable cap", MaxVariablesPerCall)
	}
	forClause, err := q.forClause()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(fmt.Sprintf("%s/%d/%s", c.baseURL, q.Year, q.Dataset))
	if err != nil {
		return "", err
	}
	values := url.Values{}
	values.Set("get", strings.Join(q.Variables, ","))
	values.Set("for", forClause)
	if q.InClause != "" {
		values.Set("in", q.InClause)
	} else if q.ParentLevel != "" {
		parent := q.ParentCode
		if parent == "" {
			parent = "*"
		}
		values.Set("in", fmt.Sprintf("%s:%s", q.ParentLevel, parent))
	}
	if c.apiKey != "" {
		values.Set("key", c.apiKey)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// CacheKey is the query_hash used by store.Backend's cache_put/cache_get
// (spec.md §6): a deterministic digest over every field that distinguishes
// one request from another, so two equivalent queries always share a slot.
func (q Query) CacheKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s",
		q.Dataset, q.Year, strings.Join(q.Variables, ","), q.Level,
		strings.Join(q.Codes, ","), q.ParentLevel, q.ParentCode, q.InClause)
	return hex.EncodeToString(h.Sum(nil))
}

// Envelope is the raw headers-row + data-rows response shape.
type Envelope [][]string

// Fetch issues the request and returns the raw envelope. Errors are
// classified at this boundary into the taxonomy of spec.md §7.
func (c *Client) Fetch(ctx context.Context, q Query) (Envelope, error) {
	reqURL, err := c.buildURL(q)
	if err != nil {
		return nil, WrapLoadingError(KindAPIError, false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, WrapLoadingError(KindAPIError, false, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewLoadingError(KindTimeout, true, "request canceled: %v", err)
		}
		return nil, WrapLoadingError(KindAPIError, true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapLoadingError(KindAPIError, true, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewLoadingError(KindRateLimit, true, "service returned 429: %s", truncate(body, 200))
	case resp.StatusCode >= 500:
		return nil, NewLoadingError(KindAPIError, true, "service returned %d: %s", resp.StatusCode, truncate(body, 200))
	case resp.StatusCode >= 400:
		return nil, NewLoadingError(KindAPIError, false, "service returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewLoadingError(KindAPIError, false, "malformed response: %v", err)
	}
	if len(env) == 0 {
		return Envelope{}, nil
	}
	header := env[0]
	if len(header) == 0 {
		return nil, NewLoadingError(KindAPIError, false, "malformed response: missing header row")
	}
	return env, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// Transform maps a fetched envelope to internal Records, deriving the
// geography code per-level and carrying forward each variable's raw value.
// It does not fail the whole batch on a single malformed row; instead it
// reports records_errored for that row and continues, matching the
// round-trip-transform property (spec.md §8.7).
type TransformResult struct {
	Records        []Record
	RecordsErrored int
}

func Transform(env Envelope, dataset string, year int, level catalog.GeographyLevel, variables []string, declaredTypes map[string]string) (TransformResult, error) {
	if len(env) == 0 {
		return TransformResult{}, nil
	}
	header := env[0]
	colIndex := make(map[string]int, len(header))
	for i, h := range header {
		colIndex[strings.ToLower(h)] = i
	}

	result := TransformResult{Records: make([]Record, 0, len(env)-1)}
	for _, row := range env[1:] {
		fields := make(map[string]string)
		for name, idx := range colIndex {
			if idx < len(row) {
				fields[name] = row[idx]
			}
		}
		code, err := GeographyCode(level, fields)
		if err != nil {
			result.RecordsErrored++
			continue
		}
		rec := Record{
			Dataset:        dataset,
			Year:           year,
			GeographyLevel: level,
			GeographyCode:  code,
			Name:           fields["name"],
			StateCode:      fields["state"],
			CountyCode:     fields["county"],
			TractCode:      fields["tract"],
			BlockGroupCode: fields["block group"],
			ZipCode:        fields["zip code tabulation area"],
			VariableValues: make(map[string]Value, len(variables)),
		}
		for _, v := range variables {
			idx, ok := colIndex[strings.ToLower(v)]
			if !ok || idx >= len(row) {
				rec.VariableValues[v] = NullValue()
				continue
			}
			rec.VariableValues[v] = ParseCell(row[idx], declaredTypes[v])
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// YearString renders the year for URL construction and logging.
func YearString(year int) string { return strconv.Itoa(year) }
