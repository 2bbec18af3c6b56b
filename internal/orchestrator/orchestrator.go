// Copyright 2025 James Ross

// Package orchestrator implements the top-level driver (spec.md §4.9): the
// single coordinator loop that sequences phases, expands each phase's
// (geographies, variables) into jobs, admits work past the rate-limit
// accountant, pumps the queue into the worker pool, and forwards
// completion events upward.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/events"
	"github.com/flyingrobots/census-ingest/internal/monitor"
	"github.com/flyingrobots/census-ingest/internal/queue"
	"github.com/flyingrobots/census-ingest/internal/ratelimit"
	"github.com/flyingrobots/census-ingest/internal/worker"
)

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateRunning
	statePaused
	stateStopping
	stateStopped
)

// recentErrorsCap bounds the ring of recent job-failure summaries surfaced
// by Progress.
const recentErrorsCap = 20

// admissionRecheckInterval is how often a paused-on-should_pause orchestrator
// re-evaluates whether it may resume pumping.
const admissionRecheckInterval = 2 * time.Second

// Orchestrator is the single coordinator loop described in spec.md §4.9. It
// owns no job directly; jobs live in the queue.Manager while pending and
// running, and in the Orchestrator's view only as completed/failed tallies.
type Orchestrator struct {
	cfg        *config.Config
	queue      *queue.Manager
	pool       *worker.Pool
	accountant *ratelimit.Accountant
	mon        *monitor.Monitor
	bus        *events.Bus
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        lifecycleState
	currentPhase catalog.PhaseName
	terminal     map[catalog.PhaseName]bool
	recentErrors []string
	phasesRun    []catalog.PhaseDefinition

	wg sync.WaitGroup
}

// New builds an Orchestrator wired to the queue, pool, accountant, and
// monitor it coordinates. The caller starts the pool separately (Start on
// the pool launches its executors); the Orchestrator only assigns work to
// it.
func New(cfg *config.Config, qm *queue.Manager, pool *worker.Pool, accountant *ratelimit.Accountant, mon *monitor.Monitor, bus *events.Bus, log *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		queue:      qm,
		pool:       pool,
		accountant: accountant,
		mon:        mon,
		bus:        bus,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		terminal:   make(map[catalog.PhaseName]bool),
	}
}

// Context returns the orchestrator's lifecycle context, canceled once Stop
// has run; callers needing to tie down other long-lived resources (e.g. an
// HTTP server) can select on it.
func (o *Orchestrator) Context() context.Context { return o.ctx }

// PhaseGate returns the queue.PhaseGate backed by this orchestrator's
// terminal-phase bookkeeping. Wire it into the queue.Manager that feeds
// this orchestrator (queue.Manager.SetPhaseGate) so a job re-admitted by a
// delayed retry cannot be dispatched into a phase already marked terminal.
func (o *Orchestrator) PhaseGate() queue.PhaseGate {
	return func(phase catalog.PhaseName) bool { return !o.isTerminal(phase) }
}

// Start begins phase sequencing. It is idempotent: a no-op if the
// orchestrator is already running. phaseNames, when non-empty, restricts
// the run to the named phases (still evaluated in descending priority, and
// still skipped if their dependencies are not satisfied by the run).
func (o *Orchestrator) Start(phaseNames ...string) error {
	o.mu.Lock()
	if o.state == stateRunning || o.state == statePaused {
		o.mu.Unlock()
		return nil
	}
	if o.state == stateStopping || o.state == stateStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: cannot start after stop")
	}
	phases, err := o.selectPhases(phaseNames)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.phasesRun = phases
	o.state = stateRunning
	o.mu.Unlock()

	o.wg.Add(1)
	go o.drainOutcomes()

	o.wg.Add(1)
	go o.runPhases(phases)
	return nil
}

func (o *Orchestrator) selectPhases(names []string) ([]catalog.PhaseDefinition, error) {
	ordered := catalog.PhasesDescendingPriority()
	if len(names) == 0 {
		return ordered, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []catalog.PhaseDefinition
	for _, p := range ordered {
		if want[string(p.Name)] {
			out = append(out, p)
			delete(want, string(p.Name))
		}
	}
	for n := range want {
		return nil, fmt.Errorf("orchestrator: unknown phase %q", n)
	}
	return out, nil
}

// Pause blocks new admissions; in-flight jobs run to completion.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == stateRunning {
		o.state = statePaused
	}
}

// Resume clears a pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == statePaused {
		o.state = stateRunning
	}
}

// Stop signals all goroutines cooperatively, gives in-flight jobs the
// configured grace window to finish via the worker pool, and blocks until
// the coordinator loop and outcome drain have both returned.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == stateStopped || o.state == stateStopping {
		o.mu.Unlock()
		return
	}
	o.state = stateStopping
	o.mu.Unlock()

	// Stop the pool first so in-flight jobs get their grace window and land
	// their outcomes on the results channel before the coordinator loops
	// are torn down.
	o.pool.Stop(o.cfg.GraceWindow)
	o.drainRemainingOutcomes()
	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	o.state = stateStopped
	o.mu.Unlock()
}

// drainRemainingOutcomes flushes any outcomes the pool produced during its
// grace window, applying each before the coordinator context is canceled.
func (o *Orchestrator) drainRemainingOutcomes() {
	for {
		select {
		case outcome, ok := <-o.pool.Outcomes():
			if !ok {
				return
			}
			o.applyOutcome(outcome)
		default:
			return
		}
	}
}

func (o *Orchestrator) stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateStopping || o.state == stateStopped
}

func (o *Orchestrator) paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == statePaused
}

func (o *Orchestrator) isTerminal(phase catalog.PhaseName) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminal[phase]
}

func (o *Orchestrator) markTerminal(phase catalog.PhaseName) {
	o.mu.Lock()
	o.terminal[phase] = true
	o.mu.Unlock()
}

// runPhases sequences the given phases in order, skipping any whose
// dependencies are not satisfied by this run, expanding each into jobs,
// and pumping until the phase drains before advancing.
func (o *Orchestrator) runPhases(phases []catalog.PhaseDefinition) {
	defer o.wg.Done()
	for _, phase := range phases {
		if o.stopped() {
			return
		}
		if !catalog.DependenciesSatisfied(phase.Dependencies, o.isTerminal) {
			o.log.Warn("orchestrator: skipping phase with unmet dependencies", zap.String("phase", string(phase.Name)))
			o.recordError(fmt.Sprintf("phase %s skipped: dependencies not satisfied", phase.Name))
			continue
		}

		o.mu.Lock()
		o.currentPhase = phase.Name
		o.mu.Unlock()

		for _, job := range o.expandPhase(phase) {
			if err := o.queue.Add(job); err != nil {
				o.log.Warn("orchestrator: failed to admit expanded job", zap.Error(err))
			}
		}

		o.pumpPhase(phase.Name)
		o.markTerminal(phase.Name)
	}

	o.mu.Lock()
	if o.state == stateRunning || o.state == statePaused {
		o.state = stateIdle
	}
	o.mu.Unlock()
}

// pumpPhase admits and dispatches jobs for phase until it has no pending or
// running work left, respecting pause and should_pause admission control.
func (o *Orchestrator) pumpPhase(phase catalog.PhaseName) {
	ticker := time.NewTicker(o.tickInterval())
	defer ticker.Stop()

	for {
		if o.stopped() {
			return
		}
		if !o.queue.HasPendingFor(phase) {
			return
		}

		if o.paused() || o.shouldPause() {
			select {
			case <-o.ctx.Done():
				return
			case <-time.After(admissionRecheckInterval):
			}
			continue
		}

		available := o.availableWorkers()
		if available > 0 {
			batch := o.queue.NextBatch(available)
			for _, job := range batch {
				o.mon.RecordJobStarted()
				if !o.pool.Assign(job) {
					// Pool rejected (paused/stopping/full): treat as a
					// retryable failure so it is re-admitted rather than lost.
					_ = o.queue.Fail(job.ID, true)
				}
			}
		}

		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// shouldPause consults the accountant's budget usage and the monitor's
// latest observed error rate, per spec.md §4.9's admission control.
func (o *Orchestrator) shouldPause() bool {
	snap := o.accountant.Snapshot()
	return o.cfg.ShouldPause(snap.Used, snap.Available, o.mon.ErrorRate())
}

// availableWorkers sizes the next pull by the configured optimal
// concurrency given current budget usage, independent of how many
// executors happen to be busy (Assign is non-blocking and simply rejects
// when the pool's channel is full, which re-queues the job above).
func (o *Orchestrator) availableWorkers() int {
	snap := o.accountant.Snapshot()
	return o.cfg.OptimalConcurrency(snap.Used, snap.Available)
}

func (o *Orchestrator) tickInterval() time.Duration {
	if o.cfg.TickInterval <= 0 {
		return 500 * time.Millisecond
	}
	return o.cfg.TickInterval
}

// drainOutcomes is the single point that mutates the queue's
// running/completed/failed registries from worker results and republishes
// job_completed/job_failed/progress_update for external subscribers —
// the monitor's completion, failure and call counters are likewise updated
// only from here (job starts are counted by pumpPhase at dispatch), matching
// the single-writer policy for shared state (spec.md §5).
func (o *Orchestrator) drainOutcomes() {
	defer o.wg.Done()
	progressTicker := time.NewTicker(o.cfg.Monitoring.SnapshotCadence)
	defer progressTicker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case outcome, ok := <-o.pool.Outcomes():
			if !ok {
				return
			}
			o.applyOutcome(outcome)
		case <-progressTicker.C:
			o.publishProgress()
		}
	}
}

func (o *Orchestrator) applyOutcome(outcome worker.JobOutcome) {
	o.mon.RecordAPICalls(outcome.Result.APICalls)
	if outcome.Failed {
		o.mon.RecordJobFailed()
		if err := o.queue.Fail(outcome.Job.ID, outcome.Retryable); err != nil {
			o.log.Warn("orchestrator: failed to mark job failed", zap.Error(err))
		}
		o.recordError(fmt.Sprintf("job %s (%s) failed", outcome.Job.ID, outcome.Job.Metadata["phase"]))
		return
	}

	o.mon.RecordJobCompleted(outcome.Result.RecordsLoaded, outcome.Result.Duration)
	realized := outcome.Result.RecordsLoaded + outcome.Result.RecordsSkipped + outcome.Result.RecordsErrored
	o.mon.CheckRecordDiscrepancy(outcome.Job.ID, outcome.Job.EstimatedRecords, realized)
	if err := o.queue.Complete(outcome.Job.ID, outcome.Result); err != nil {
		o.log.Warn("orchestrator: failed to mark job completed", zap.Error(err))
	}
}

func (o *Orchestrator) recordError(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recentErrors = append(o.recentErrors, msg)
	if len(o.recentErrors) > recentErrorsCap {
		o.recentErrors = o.recentErrors[len(o.recentErrors)-recentErrorsCap:]
	}
}

func (o *Orchestrator) publishProgress() {
	p := o.Progress()
	o.bus.Publish(events.Event{
		Kind:      events.KindProgressUpdate,
		Timestamp: time.Now().UTC(),
		Payload: events.ProgressUpdatePayload{
			Phase:      string(o.currentPhase),
			Percentage: p.Percentage,
			CallsUsed:  p.CallsUsed,
		},
	})
}

// AddCustomJob admits an ad hoc job outside phase sequencing, e.g. an
// operator-triggered backfill for a specific geography. priority <= 0
// means "compute it" via the same scoring function phase expansion uses,
// with no phase bonus. An explicit code list longer than the level's
// configured batch size is split into multiple jobs (spec.md §4.9's
// code-list chunking rule); the first chunk's id is returned since the op
// contract promises a single id, and the rest are still admitted and
// observable via Progress/Metrics.
func (o *Orchestrator) AddCustomJob(geo queue.Geography, variables []string, priority int) (string, error) {
	if len(variables) == 0 {
		return "", fmt.Errorf("parse/shape: add_custom_job requires at least one variable")
	}
	if priority <= 0 {
		priority = catalog.JobPriority(catalog.JobPriorityInput{Geography: geo.Level, Variables: variables})
	}

	codeChunks := chunkCodes(geo.Level, geo.Codes, o.cfg.BatchSizes)
	if len(codeChunks) == 0 {
		codeChunks = [][]string{nil}
	}

	var firstID string
	for i, codes := range codeChunks {
		chunkGeo := geo
		chunkGeo.Codes = codes
		job := queue.NewJob(queue.KindBackfill, o.cfg.Dataset, o.cfg.Year, chunkGeo, variables, priority, o.cfg.MaxRetries, nil)
		job.EstimatedRecords = catalog.EstimateRecords(geo.Level, codes)
		if len(codeChunks) > 1 {
			job = job.WithPhase("", i+1, len(codeChunks))
		}
		if err := o.queue.Add(job); err != nil {
			return "", err
		}
		if i == 0 {
			firstID = job.ID
		}
	}
	return firstID, nil
}

// Progress reports totals, completion percentage, throughput, and budget
// usage (spec.md §4.9).
type Progress struct {
	Phase          string
	TotalJobs      int
	CompletedJobs  int
	FailedJobs     int
	PendingJobs    int
	RunningJobs    int
	Percentage     float64
	RecordsPerSec  float64
	CallsUsed      int
	CallsRemaining int
	Status         string
	RecentErrors   []string
}

func (o *Orchestrator) Progress() Progress {
	pending, running, completed, failed := o.queue.Snapshot()

	o.mu.Lock()
	status := o.state
	phase := o.currentPhase
	errs := append([]string(nil), o.recentErrors...)
	var estimatedTotal int
	for _, p := range o.phasesRun {
		estimatedTotal += p.EstimatedJobs
	}
	o.mu.Unlock()

	total := estimatedTotal
	if total < completed+failed+pending+running {
		total = completed + failed + pending + running
	}
	pct := 0.0
	if total > 0 {
		pct = float64(completed+failed) / float64(total) * 100
	}

	snap := o.accountant.Snapshot()
	remaining := snap.Available - snap.Used
	if remaining < 0 {
		remaining = 0
	}

	return Progress{
		Phase:          string(phase),
		TotalJobs:      total,
		CompletedJobs:  completed,
		FailedJobs:     failed,
		PendingJobs:    pending,
		RunningJobs:    running,
		Percentage:     pct,
		RecordsPerSec:  o.recordsPerSecond(),
		CallsUsed:      snap.Used,
		CallsRemaining: remaining,
		Status:         statusLabel(status),
		RecentErrors:   errs,
	}
}

func (o *Orchestrator) recordsPerSecond() float64 {
	analytics := o.mon.Analytics(1)
	if len(analytics) == 0 {
		return 0
	}
	return analytics[len(analytics)-1].RecordsPerSecond
}

func statusLabel(s lifecycleState) string {
	switch s {
	case stateRunning:
		return "running"
	case statePaused:
		return "paused"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Metrics is the consumer-facing metrics() op: queue counts, rate-limit
// usage, and derived health in one snapshot.
type Metrics struct {
	Queue     QueueCounts
	RateLimit ratelimit.Snapshot
	Health    monitor.SystemHealth
}

type QueueCounts struct {
	Pending, Running, Completed, Failed int
}

func (o *Orchestrator) Metrics() Metrics {
	pending, running, completed, failed := o.queue.Snapshot()
	return Metrics{
		Queue:     QueueCounts{Pending: pending, Running: running, Completed: completed, Failed: failed},
		RateLimit: o.accountant.Snapshot(),
		Health:    o.mon.Health(),
	}
}

// expandPhase turns a PhaseDefinition's (geographies, variables) into jobs,
// chunking variables into groups of at most census.MaxVariablesPerCall and
// attaching {phase, chunk_index, total_chunks} metadata (spec.md §4.9).
// Nation/state/zcta/metro/county/place levels use a single wildcard scope
// per variable chunk (the statistical service's own "*" meaning "every
// code at this level"); tract and block_group, which the service requires
// to be scoped under a parent state and county, are expanded once per
// catalog.PriorityStates entry with a wildcard county, since this module
// does not embed a full county gazetteer.
func (o *Orchestrator) expandPhase(phase catalog.PhaseDefinition) []queue.Job {
	varChunks := chunkStrings(phase.Variables, census.MaxVariablesPerCall)
	var jobs []queue.Job

	for _, level := range phase.Geographies {
		scopes := geographyScopes(level)
		total := len(scopes) * len(varChunks)
		idx := 0
		for _, scope := range scopes {
			for _, vars := range varChunks {
				idx++
				geo := queue.Geography{Level: level, Codes: scope.codes, ParentKind: scope.parentKind, ParentCode: scope.parentCode}
				priority := catalog.JobPriority(catalog.JobPriorityInput{Geography: level, Variables: vars, Phase: phase.Name})
				job := queue.NewJob(queue.KindBulk, o.cfg.Dataset, o.cfg.Year, geo, vars, priority, o.cfg.MaxRetries, nil)
				job.EstimatedRecords = estimateScopedRecords(level, scope)
				job = job.WithPhase(phase.Name, idx, total)
				jobs = append(jobs, job)
			}
		}
	}
	return jobs
}

// geographyScope is one (codes, parent) target a phase expands a level into.
type geographyScope struct {
	codes      []string
	parentKind string
	parentCode string
}

func geographyScopes(level catalog.GeographyLevel) []geographyScope {
	switch level {
	case catalog.LevelTract, catalog.LevelBlockGroup:
		scopes := make([]geographyScope, 0, len(catalog.PriorityStates))
		for _, s := range catalog.PriorityStates {
			scopes = append(scopes, geographyScope{parentKind: "state_county", parentCode: s.FIPS + ":*"})
		}
		return scopes
	default:
		return []geographyScope{{}}
	}
}

// usStateCount approximates the per-state share of a national tract/block
// group estimate when a job is scoped to one state via a wildcard county,
// since the catalog only carries national-scale totals.
const usStateCount = 50

// estimateScopedRecords derives a job's estimated record count from the
// level's national total, adjusted down for state-scoped wildcard jobs.
func estimateScopedRecords(level catalog.GeographyLevel, scope geographyScope) int {
	national := catalog.EstimateRecords(level, scope.codes)
	if scope.parentKind == "state_county" {
		return national / usStateCount
	}
	return national
}

// chunkStrings splits items into groups of at most size, preserving order.
// A non-positive size returns items as a single chunk.
func chunkStrings(items []string, size int) [][]string {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]string{items}
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// chunkCodes splits an explicit geography code list by the configured
// per-level batch size, used by AddCustomJob-style callers supplying
// their own codes (phase expansion above uses wildcard scopes instead).
func chunkCodes(level catalog.GeographyLevel, codes []string, sizes config.BatchSizes) [][]string {
	size := batchSizeFor(level, sizes)
	return chunkStrings(codes, size)
}

func batchSizeFor(level catalog.GeographyLevel, sizes config.BatchSizes) int {
	switch level {
	case catalog.LevelState:
		return sizes.State
	case catalog.LevelCounty:
		return sizes.County
	case catalog.LevelMetro:
		return sizes.Metro
	case catalog.LevelPlace:
		return sizes.Place
	case catalog.LevelTract:
		return sizes.Tract
	case catalog.LevelBlockGroup:
		return sizes.BlockGroup
	case catalog.LevelZcta:
		return sizes.Zcta
	default:
		return 50
	}
}
