// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/events"
	"github.com/flyingrobots/census-ingest/internal/queue"
	"github.com/flyingrobots/census-ingest/internal/ratelimit"
	"github.com/flyingrobots/census-ingest/internal/store"
	"github.com/flyingrobots/census-ingest/internal/validate"
)

type failingStore struct{ store.Backend }

func (failingStore) InsertBatch(ctx context.Context, records []census.Record) error {
	return context.DeadlineExceeded
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrentJobs: 2,
		Validation:        config.Validation{Strict: false, Quality: config.Quality{MinCompleteness: 0.9, MinAccuracy: 0.9, MinConsistency: 0.85}},
		CircuitBreaker:    config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: 30 * time.Second, MinSamples: 10},
		Cache:             config.Cache{TTL: time.Hour},
	}
}

func testPool(t *testing.T, serverURL string, st store.Backend) *Pool {
	t.Helper()
	cfg := testConfig()
	client := census.NewClient(serverURL, "", 5*time.Second)
	accountant, err := ratelimit.New(500, 50, 20, 10*time.Second, "")
	if err != nil {
		t.Fatalf("new accountant: %v", err)
	}
	t.Cleanup(accountant.Stop)
	validator := validate.New(validate.Thresholds{MinCompleteness: 0.9, MinAccuracy: 0.9, MinConsistency: 0.85})
	bus := events.NewBus()
	return NewPool(cfg, client, accountant, st, validator, bus, zap.NewNop())
}

func testStore(t *testing.T) store.Backend {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "worker-test.db")
	backend, err := store.Open(config.Store{Driver: "sqlite", DSN: dsn, Pool: config.Pool{MaxOpenReaders: 2, MaxOpenWriters: 1}}, config.Cache{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func stateJob() queue.Job {
	return queue.NewJob(queue.KindBulk, "acs5", 2022,
		queue.Geography{Level: catalog.LevelState, Codes: []string{"06"}},
		[]string{"B01003_001E"}, 90, 3, nil)
}

func writeEnvelope(w http.ResponseWriter, rows [][]string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func TestExecuteSuccessPathPersistsAndReportsCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, [][]string{
			{"B01003_001E", "NAME", "state"},
			{"39538223", "California", "06"},
		})
	}))
	defer server.Close()

	pool := testPool(t, server.URL, testStore(t))
	outcome := pool.execute(context.Background(), stateJob())
	if outcome.Failed {
		t.Fatalf("expected success, got failure")
	}
	if outcome.Result.RecordsLoaded != 1 {
		t.Fatalf("expected 1 record loaded, got %d", outcome.Result.RecordsLoaded)
	}
}

func TestExecuteEmptyResponseRecordsSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, [][]string{{"B01003_001E", "NAME", "state"}})
	}))
	defer server.Close()

	job := stateJob()
	job.EstimatedRecords = 1
	pool := testPool(t, server.URL, testStore(t))
	outcome := pool.execute(context.Background(), job)
	if outcome.Failed {
		t.Fatal("empty response should not be treated as failure")
	}
	if outcome.Result.RecordsSkipped != 1 {
		t.Fatalf("expected 1 record skipped, got %d", outcome.Result.RecordsSkipped)
	}
}

func TestExecuteSecondRunForTheSameQueryServesFromCache(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeEnvelope(w, [][]string{
			{"B01003_001E", "NAME", "state"},
			{"39538223", "California", "06"},
		})
	}))
	defer server.Close()

	st := testStore(t)
	pool := testPool(t, server.URL, st)

	first := pool.execute(context.Background(), stateJob())
	if first.Failed {
		t.Fatalf("expected first run to succeed")
	}
	second := pool.execute(context.Background(), stateJob())
	if second.Failed {
		t.Fatalf("expected second run to succeed")
	}
	if requests != 1 {
		t.Fatalf("expected the second run to be served from cache, got %d requests to the service", requests)
	}
	if second.Result.RecordsLoaded != 1 {
		t.Fatalf("expected 1 record loaded from the cached response, got %d", second.Result.RecordsLoaded)
	}
}

func TestExecuteRateLimitedResponseIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	pool := testPool(t, server.URL, testStore(t))
	outcome := pool.execute(context.Background(), stateJob())
	if !outcome.Failed || !outcome.Retryable {
		t.Fatalf("expected retryable failure, got failed=%v retryable=%v", outcome.Failed, outcome.Retryable)
	}
}

func TestExecuteMalformedResponseIsNonRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	pool := testPool(t, server.URL, testStore(t))
	outcome := pool.execute(context.Background(), stateJob())
	if !outcome.Failed || outcome.Retryable {
		t.Fatalf("expected non-retryable failure, got failed=%v retryable=%v", outcome.Failed, outcome.Retryable)
	}
}

func TestExecuteBudgetExhaustedFailsWithoutCallingService(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeEnvelope(w, [][]string{{"B01003_001E", "NAME", "state"}})
	}))
	defer server.Close()

	cfg := testConfig()
	client := census.NewClient(server.URL, "", 5*time.Second)
	accountant, err := ratelimit.New(1, 0, 1, 10*time.Second, "")
	if err != nil {
		t.Fatalf("new accountant: %v", err)
	}
	defer accountant.Stop()
	accountant.Record(1) // exhaust the single available call

	validator := validate.New(validate.Thresholds{MinCompleteness: 0.9, MinAccuracy: 0.9, MinConsistency: 0.85})
	pool := NewPool(cfg, client, accountant, testStore(t), validator, events.NewBus(), zap.NewNop())

	outcome := pool.execute(context.Background(), stateJob())
	if !outcome.Failed || !outcome.Retryable {
		t.Fatalf("expected retryable budget failure, got failed=%v retryable=%v", outcome.Failed, outcome.Retryable)
	}
	if called {
		t.Fatal("expected no outbound call once budget is exhausted")
	}
}

func TestExecuteStoreFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, [][]string{
			{"B01003_001E", "NAME", "state"},
			{"39538223", "California", "06"},
		})
	}))
	defer server.Close()

	pool := testPool(t, server.URL, failingStore{})
	outcome := pool.execute(context.Background(), stateJob())
	if !outcome.Failed || !outcome.Retryable {
		t.Fatalf("expected retryable store failure, got failed=%v retryable=%v", outcome.Failed, outcome.Retryable)
	}
}

func TestPauseBlocksNewAssignments(t *testing.T) {
	pool := testPool(t, "http://unused.invalid", testStore(t))
	pool.Pause()
	if pool.Assign(stateJob()) {
		t.Fatal("expected assignment to be rejected while paused")
	}
	pool.Resume()
	if !pool.Assign(stateJob()) {
		t.Fatal("expected assignment to succeed after resume")
	}
}
