// Copyright 2025 James Ross

// Package worker implements the Worker Pool (spec.md §4.6): bounded
// concurrency equal to config.MaxConcurrentJobs, each worker a long-lived
// executor owning no job between assignments.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/breaker"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/events"
	"github.com/flyingrobots/census-ingest/internal/obs"
	"github.com/flyingrobots/census-ingest/internal/queue"
	"github.com/flyingrobots/census-ingest/internal/ratelimit"
	"github.com/flyingrobots/census-ingest/internal/store"
	"github.com/flyingrobots/census-ingest/internal/validate"
)

type lifecycleState int

const (
	stateRunning lifecycleState = iota
	statePaused
	stateStopping
	stateStopped
)

// Pool owns N long-lived worker goroutines pulling from a shared assignment
// channel; the Orchestrator hands it batches via Assign.
type Pool struct {
	cfg       *config.Config
	client    *census.Client
	accountant *ratelimit.Accountant
	store     store.Backend
	validator *validate.Validator
	bus       *events.Bus
	log       *zap.Logger
	cb        *breaker.CircuitBreaker

	mu      sync.Mutex
	state   lifecycleState
	wg      sync.WaitGroup
	assign  chan queue.Job
	results chan JobOutcome
}

type JobOutcome struct {
	Job       queue.Job
	Result    queue.LoadResult
	Failed    bool
	Retryable bool
}

func NewPool(cfg *config.Config, client *census.Client, accountant *ratelimit.Accountant, st store.Backend, validator *validate.Validator, bus *events.Bus, log *zap.Logger) *Pool {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Pool{
		cfg:        cfg,
		client:     client,
		accountant: accountant,
		store:      st,
		validator:  validator,
		bus:        bus,
		log:        log,
		cb:         cb,
		state:      stateRunning,
		assign:     make(chan queue.Job, cfg.MaxConcurrentJobs),
		results:    make(chan JobOutcome, cfg.MaxConcurrentJobs),
	}
}

// Start launches max_concurrent_jobs long-lived executors.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.MaxConcurrentJobs; i++ {
		p.wg.Add(1)
		obs.WorkerActive.Inc()
		go p.runExecutor(ctx, i)
	}
}

// Pause prevents new assignments but lets in-flight jobs finish.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning {
		p.state = statePaused
	}
}

// Resume clears a pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == statePaused {
		p.state = stateRunning
	}
}

func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == statePaused
}

// Stop requests shutdown and waits up to the grace window before the
// caller should consider in-flight jobs as timed out.
func (p *Pool) Stop(graceWindow time.Duration) {
	p.mu.Lock()
	p.state = stateStopping
	p.mu.Unlock()
	close(p.assign)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(graceWindow):
		p.log.Warn("worker pool grace window exceeded, in-flight jobs will report timeout")
	}
	p.mu.Lock()
	p.state = stateStopped
	p.mu.Unlock()
}

// Assign hands a job to the pool for execution. It never blocks: it returns
// false when the pool is not running or the assignment buffer is full, and
// the Orchestrator re-queues a rejected job.
func (p *Pool) Assign(job queue.Job) bool {
	p.mu.Lock()
	blocked := p.state != stateRunning
	p.mu.Unlock()
	if blocked {
		return false
	}
	select {
	case p.assign <- job:
		return true
	default:
		return false
	}
}

// Outcomes exposes the channel the Orchestrator drains to learn completion
// and failure results and forward them to the queue Manager.
func (p *Pool) Outcomes() <-chan JobOutcome { return p.results }

func (p *Pool) runExecutor(ctx context.Context, id int) {
	defer p.wg.Done()
	defer obs.WorkerActive.Dec()
	for job := range p.assign {
		start := time.Now()
		outcome := p.execute(ctx, job)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
		prev := p.cb.State()
		p.cb.Record(!outcome.Failed)
		if prev != p.cb.State() && p.cb.State() == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
		select {
		case p.results <- outcome:
		case <-ctx.Done():
			return
		}
	}
}

// execute runs the six-stage per-job pipeline (spec.md §4.6).
func (p *Pool) execute(ctx context.Context, job queue.Job) JobOutcome {
	obs.JobsStarted.Inc()
	p.bus.Publish(events.Event{Kind: events.KindJobStarted, Timestamp: time.Now(), Payload: events.JobStartedPayload{
		JobID: job.ID, Priority: job.Priority, Phase: job.Metadata["phase"],
	}})

	jobCtx, span := obs.ContextWithJobSpan(ctx, job)
	defer span.End()

	// Stage 1: budget check.
	expectedCalls := estimateCalls(job)
	if !p.accountant.TryAcquire(expectedCalls) {
		return JobOutcome{Job: job, Failed: true, Retryable: true}
	}

	start := time.Now()

	// Stage 2: fetch.
	queries, err := buildQueries(job)
	if err != nil {
		p.accountant.Record(-expectedCalls)
		return p.fail(job, census.WrapLoadingError(census.KindAPIError, false, err), false)
	}

	var allRecords []census.Record
	var totalErrored int
	realizedCalls := 0
	for _, q := range queries {
		env, fromCache := p.cacheLookup(jobCtx, q)
		if !fromCache {
			var err error
			env, err = p.client.Fetch(jobCtx, q)
			realizedCalls++
			if err != nil {
				le, _ := census.AsLoadingError(err)
				p.accountant.Record(realizedCalls - expectedCalls)
				return p.fail(job, le, le != nil && le.Retryable)
			}
			p.cacheStore(jobCtx, q, env)
		}
		// Stage 3: transform.
		result, err := census.Transform(env, job.Dataset, job.Year, job.Geo.Level, job.Variables, nil)
		if err != nil {
			p.accountant.Record(realizedCalls - expectedCalls)
			return p.fail(job, census.WrapLoadingError(census.KindAPIError, false, err), false)
		}
		allRecords = append(allRecords, result.Records...)
		totalErrored += result.RecordsErrored

		if dispatchDelay(job.Geo.Level) > 0 && len(queries) > 1 {
			select {
			case <-time.After(dispatchDelay(job.Geo.Level)):
			case <-jobCtx.Done():
				return p.fail(job, census.NewLoadingError(census.KindTimeout, true, "canceled during dispatch pacing"), true)
			}
		}
	}
	p.accountant.Record(realizedCalls - expectedCalls)

	if len(allRecords) == 0 {
		// Empty response: records_skipped = estimated_records, not an error.
		result := queue.LoadResult{RecordsSkipped: job.EstimatedRecords, Duration: time.Since(start), APICalls: realizedCalls, Completeness: 1, Accuracy: 1, Consistency: 1}
		return p.succeed(job, result)
	}

	// Stage 4: validate.
	parentState := ""
	if job.Geo.ParentKind == "state" {
		parentState = job.Geo.ParentCode
	}
	report := p.validator.ValidateBatch(allRecords, parentState, "")
	if !report.Passed {
		retryable := !p.validatorStrict() && hasOnlyMissingData(report)
		p.bus.Publish(events.Event{Kind: events.KindValidationFailed, Timestamp: time.Now(), Payload: job.ID})
		return p.fail(job, census.NewLoadingError(census.KindValidationError, retryable, "batch failed quality thresholds"), retryable)
	}

	// Stage 5: persist.
	if err := p.store.InsertBatch(jobCtx, allRecords); err != nil {
		p.bus.Publish(events.Event{Kind: events.KindStoreError, Timestamp: time.Now(), Payload: err.Error()})
		return p.fail(job, census.WrapLoadingError(census.KindStoreError, true, err), true)
	}

	// Stage 6: report.
	result := queue.LoadResult{
		RecordsLoaded:  len(allRecords),
		RecordsErrored: totalErrored,
		Duration:       time.Since(start),
		APICalls:       realizedCalls,
		Completeness:   report.Completeness,
		Accuracy:       report.Accuracy,
		Consistency:    report.Consistency,
	}
	return p.succeed(job, result)
}

// cacheLookup consults store.Backend's cache_get before issuing a request
// to the statistical service (spec.md §9's cache-before-validation
// ordering): a hit skips Fetch entirely, so it never counts against
// realizedCalls.
func (p *Pool) cacheLookup(ctx context.Context, q census.Query) (census.Envelope, bool) {
	raw, hit, err := p.store.CacheGet(ctx, q.CacheKey())
	if err != nil || !hit {
		return nil, false
	}
	var env census.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	return env, true
}

// cacheStore persists a freshly-fetched raw response before validation
// runs, so a later validation failure never evicts an otherwise-valid
// cache entry (the cache exists to avoid repeating the API call, not to
// avoid repeating validation). Best-effort: a cache write failure must
// never fail the job.
func (p *Pool) cacheStore(ctx context.Context, q census.Query, env census.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := p.store.CachePut(ctx, q.CacheKey(), raw, p.cfg.Cache.TTL); err != nil {
		p.log.Warn("worker: cache_put failed", obs.Err(err))
	}
}

func (p *Pool) validatorStrict() bool { return p.cfg.Validation.Strict }

func hasOnlyMissingData(report validate.BatchReport) bool {
	for _, issue := range report.Issues {
		if issue.Severity == validate.SeverityError && issue.Type != validate.IssueMissingField {
			return false
		}
	}
	return true
}

func (p *Pool) succeed(job queue.Job, result queue.LoadResult) JobOutcome {
	obs.JobsCompleted.Inc()
	obs.RecordsLoadedTotal.Add(float64(result.RecordsLoaded))
	p.bus.Publish(events.Event{Kind: events.KindJobCompleted, Timestamp: time.Now(), Payload: events.JobCompletedPayload{
		JobID: job.ID, RecordsLoaded: result.RecordsLoaded, Duration: result.Duration,
	}})
	return JobOutcome{Job: job, Result: result}
}

func (p *Pool) fail(job queue.Job, loadErr *census.LoadingError, retryable bool) JobOutcome {
	obs.JobsFailed.Inc()
	kind := "unknown"
	msg := "unknown error"
	if loadErr != nil {
		kind = string(loadErr.Kind)
		msg = loadErr.Message
	}
	p.bus.Publish(events.Event{Kind: events.KindJobFailed, Timestamp: time.Now(), Payload: events.JobFailedPayload{
		JobID: job.ID, ErrorKind: kind, Retryable: retryable, Message: msg,
	}})
	return JobOutcome{Job: job, Failed: true, Retryable: retryable}
}

func estimateCalls(job queue.Job) int {
	return len(buildQueriesUnsafe(job))
}
