// Copyright 2025 James Ross
package orchestrator

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
	"github.com/flyingrobots/census-ingest/internal/monitor"
	"github.com/flyingrobots/census-ingest/internal/queue"
	"github.com/flyingrobots/census-ingest/internal/ratelimit"
	"github.com/flyingrobots/census-ingest/internal/store"
	"github.com/flyingrobots/census-ingest/internal/validate"
	"github.com/flyingrobots/census-ingest/internal/worker"
)

func testConfig() *config.Config {
	return &config.Config{
		Dataset:           "acs5",
		Year:              2022,
		MaxConcurrentJobs: 4,
		MaxRetries:        3,
		TickInterval:      10 * time.Millisecond,
		GraceWindow:       200 * time.Millisecond,
		BatchSizes:        config.BatchSizes{State: 1, County: 2, Metro: 50, Place: 2, Tract: 50, BlockGroup: 50, Zcta: 1},
		Validation:        config.Validation{Strict: false, Quality: config.Quality{MinCompleteness: 0.9, MinAccuracy: 0.9, MinConsistency: 0.85}},
		CircuitBreaker:    config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: 30 * time.Second, MinSamples: 10},
		Monitoring:        config.Monitoring{SnapshotCadence: 10 * time.Millisecond, RingCapacity: 100, ErrorRateWarn: 0.5, ErrorRateCritical: 0.9},
	}
}

func testStore(t *testing.T) store.Backend {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "orchestrator-test.db")
	backend, err := store.Open(config.Store{Driver: "sqlite", DSN: dsn, Pool: config.Pool{MaxOpenReaders: 2, MaxOpenWriters: 1}}, config.Cache{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func writeEnvelope(w http.ResponseWriter, rows [][]string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// fakeStatService returns one data row for every request so every dispatched
// job succeeds with exactly one record.
func fakeStatService(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, [][]string{
			{"B01003_001E", "NAME", "state"},
			{"39538223", "California", "06"},
		})
	}))
}

type harness struct {
	orch       *Orchestrator
	queue      *queue.Manager
	pool       *worker.Pool
	accountant *ratelimit.Accountant
	mon        *monitor.Monitor
	bus        *events.Bus
	cfg        *config.Config
}

func newHarness(t *testing.T, serverURL string) *harness {
	t.Helper()
	cfg := testConfig()
	accountant, err := ratelimit.New(10000, 0, 1000, 10*time.Second, "")
	if err != nil {
		t.Fatalf("new accountant: %v", err)
	}
	t.Cleanup(accountant.Stop)

	bus := events.NewBus()
	mon := monitor.New(cfg.Monitoring.RingCapacity, cfg.Monitoring.ErrorRateWarn, cfg.Monitoring.ErrorRateCritical, nil, nil, nil, bus, zap.NewNop())

	qm := queue.NewManager(cfg.RetryDelay, nil)

	client := census.NewClient(serverURL, "", 5*time.Second)
	validator := validate.New(validate.Thresholds{MinCompleteness: 0.9, MinAccuracy: 0.9, MinConsistency: 0.85})
	pool := worker.NewPool(cfg, client, accountant, testStore(t), validator, bus, zap.NewNop())
	pool.Start(context.Background())

	orch := New(cfg, qm, pool, accountant, mon, bus, zap.NewNop())
	qm.SetPhaseGate(orch.PhaseGate())

	return &harness{orch: orch, queue: qm, pool: pool, accountant: accountant, mon: mon, bus: bus, cfg: cfg}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartRunsOnlyRequestedPhaseAndSkipsUnmetDependency(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if err := h.orch.Start("expansion"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		p := h.orch.Progress()
		return p.Status == "idle"
	})

	// expansion depends on foundation, which was not run in this call, so it
	// should have been skipped and no jobs admitted or completed.
	p := h.orch.Progress()
	if p.CompletedJobs != 0 || p.FailedJobs != 0 {
		t.Fatalf("expected no jobs run for a phase with an unmet dependency, got completed=%d failed=%d", p.CompletedJobs, p.FailedJobs)
	}
	if len(p.RecentErrors) == 0 {
		t.Fatal("expected a recorded error describing the skipped phase")
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if err := h.orch.Start("foundation"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.orch.Start("foundation"); err != nil {
		t.Fatalf("second start should be a no-op, got error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.orch.Progress().Status == "idle" })
	h.orch.Stop()
}

func TestStartRejectsUnknownPhaseName(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if err := h.orch.Start("not_a_real_phase"); err == nil {
		t.Fatal("expected an error for an unknown phase name")
	}
}

func TestFoundationPhaseCompletesAllExpandedJobs(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if err := h.orch.Start("foundation"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.orch.Progress().Status == "idle" })
	h.orch.Stop()

	p := h.orch.Progress()
	foundation, _ := catalog.PhaseByName(catalog.PhaseFoundation)
	if p.CompletedJobs != foundation.EstimatedJobs {
		t.Fatalf("expected %d completed jobs for foundation (nation+state), got %d", foundation.EstimatedJobs, p.CompletedJobs)
	}
	if p.FailedJobs != 0 {
		t.Fatalf("expected no failures, got %d", p.FailedJobs)
	}
	if p.Percentage != 100 {
		t.Fatalf("expected 100%% completion, got %v", p.Percentage)
	}
}

func TestPauseBlocksAdmissionUntilResume(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	h.orch.Pause()
	if err := h.orch.Start("foundation"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the pump loop a few ticks; nothing should complete while paused.
	time.Sleep(50 * time.Millisecond)
	if p := h.orch.Progress(); p.CompletedJobs != 0 {
		t.Fatalf("expected no completions while paused, got %d", p.CompletedJobs)
	}

	h.orch.Resume()
	// Resume takes effect on the pump loop's next admissionRecheckInterval
	// tick, so give this a longer window than the other phase-drain waits.
	waitFor(t, 5*time.Second, func() bool { return h.orch.Progress().Status == "idle" })
	h.orch.Stop()

	if p := h.orch.Progress(); p.CompletedJobs == 0 {
		t.Fatal("expected completions after resume")
	}
}

func TestStopIsIdempotentAndCooperative(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if err := h.orch.Start("foundation"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.orch.Stop()
	h.orch.Stop() // must not block or panic

	select {
	case <-h.orch.Context().Done():
	default:
		t.Fatal("expected orchestrator context to be canceled after Stop")
	}

	if err := h.orch.Start("foundation"); err == nil {
		t.Fatal("expected Start to refuse to run after Stop")
	}
}

func TestAddCustomJobDefaultsPriorityAndChunksLongCodeLists(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	id, err := h.orch.AddCustomJob(
		queue.Geography{Level: catalog.LevelCounty, Codes: []string{"06075", "06081", "48201"}},
		[]string{"B01003_001E"}, 0,
	)
	if err != nil {
		t.Fatalf("add custom job: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty job id")
	}

	pending, running, _, _ := h.queue.Snapshot()
	// county batch size is 2 in testConfig, so 3 codes split into 2 jobs.
	if pending+running != 2 {
		t.Fatalf("expected 2 admitted jobs from code-list chunking, got %d", pending+running)
	}
}

func TestAddCustomJobRejectsEmptyVariables(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if _, err := h.orch.AddCustomJob(queue.Geography{Level: catalog.LevelState}, nil, 0); err == nil {
		t.Fatal("expected an error for add_custom_job with no variables")
	}
}

func TestMetricsReflectsQueueAndHealth(t *testing.T) {
	server := fakeStatService(t)
	defer server.Close()
	h := newHarness(t, server.URL)

	if err := h.orch.Start("foundation"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return h.orch.Progress().Status == "idle" })
	h.orch.Stop()

	m := h.orch.Metrics()
	if m.Queue.Completed == 0 {
		t.Fatal("expected completed jobs reflected in metrics")
	}
	if m.RateLimit.Used == 0 {
		t.Fatal("expected non-zero rate-limit usage in metrics")
	}
}
