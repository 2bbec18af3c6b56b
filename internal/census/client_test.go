// Copyright 2025 James Ross
package census

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flyingrobots/census-ingest/internal/catalog"
)

func TestBuildURLIncludesForInAndKey(t *testing.T) {
	c := NewClient("https://api.example.gov/data", "secret", time.Second)
	u, err := c.buildURL(Query{
		Dataset:     "acs/acs5",
		Year:        2023,
		Variables:   []string{"B01003_001E"},
		Level:       catalog.LevelCounty,
		ParentLevel: "state",
		ParentCode:  "06",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"get=B01003_001E", "for=county%3A%2A", "in=state%3A06", "key=secret"} {
		if !strings.Contains(u, want) {
			t.Fatalf("expected url to contain %q, got %s", want, u)
		}
	}
}

func TestBuildURLRejectsTooManyVariables(t *testing.T) {
	c := NewClient("https://api.example.gov/data", "", time.Second)
	vars := make([]string, MaxVariablesPerCall+1)
	for i := range vars {
		vars[i] = "V"
	}
	_, err := c.buildURL(Query{Dataset: "d", Year: 2023, Variables: vars, Level: catalog.LevelState})
	if err == nil {
		t.Fatal("expected error for variable cap violation")
	}
}

func TestFetchClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Fetch(context.Background(), Query{Dataset: "d", Year: 2023, Variables: []string{"V"}, Level: catalog.LevelState})
	le, ok := AsLoadingError(err)
	if !ok {
		t.Fatalf("expected LoadingError, got %v", err)
	}
	if le.Kind != KindRateLimit || !le.Retryable {
		t.Fatalf("expected retryable rate_limit, got %+v", le)
	}
}

func TestFetchClassifiesMalformedResponseNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Fetch(context.Background(), Query{Dataset: "d", Year: 2023, Variables: []string{"V"}, Level: catalog.LevelState})
	le, ok := AsLoadingError(err)
	if !ok {
		t.Fatalf("expected LoadingError, got %v", err)
	}
	if le.Kind != KindAPIError || le.Retryable {
		t.Fatalf("expected non-retryable api_error, got %+v", le)
	}
}

func TestFetchClassifiesMissingHeaderNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[]]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Fetch(context.Background(), Query{Dataset: "d", Year: 2023, Variables: []string{"V"}, Level: catalog.LevelState})
	le, ok := AsLoadingError(err)
	if !ok {
		t.Fatalf("expected LoadingError, got %v", err)
	}
	if le.Kind != KindAPIError || le.Retryable {
		t.Fatalf("expected non-retryable api_error for missing header, got %+v", le)
	}
}

func TestTransformDerivesGeographyCodeAndValues(t *testing.T) {
	env := Envelope{
		{"NAME", "state", "county", "B01003_001E"},
		{"Los Angeles County, California", "06", "037", "10000000"},
	}
	result, err := Transform(env, "acs/acs5", 2023, catalog.LevelCounty, []string{"B01003_001E"}, map[string]string{"B01003_001E": "int"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	rec := result.Records[0]
	if rec.GeographyCode != "06037" {
		t.Fatalf("expected geography code 06037, got %s", rec.GeographyCode)
	}
	v := rec.VariableValues["B01003_001E"]
	if v.Kind != KindInt64 || v.I != 10000000 {
		t.Fatalf("expected int64 10000000, got %+v", v)
	}
}

func TestTransformCountsErroredRowsWithoutFailingBatch(t *testing.T) {
	env := Envelope{
		{"NAME", "state", "county", "B01003_001E"},
		{"Missing County Field", "06", "", "100"},
	}
	result, err := Transform(env, "acs/acs5", 2023, catalog.LevelCounty, []string{"B01003_001E"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Records) != 0 || result.RecordsErrored != 1 {
		t.Fatalf("expected 0 records / 1 errored, got %d/%d", len(result.Records), result.RecordsErrored)
	}
}
