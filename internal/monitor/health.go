// Copyright 2025 James Ross

// Package monitor implements the Monitor (spec.md §4.8): a single-threaded
// counter collector that derives a rolling health score and emits
// structured alerts over the typed event bus.
package monitor

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/events"
)

// HealthSnapshot is one point-in-time reading, appended to the bounded
// ring on every collection tick.
type HealthSnapshot struct {
	Timestamp         time.Time
	JobsPerMinute     float64
	RecordsPerSecond  float64
	AvgJobDuration    time.Duration
	ErrorRate         float64
	CallsUsed         int
	MemoryUsageRatio  float64
	BudgetUsageRatio  float64
	QueueDepth        int
}

// Status classifies a SystemHealth score.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

type IssueCategory string

const (
	CategoryPerformance IssueCategory = "performance"
	CategoryErrorRate   IssueCategory = "error_rate"
	CategoryResource    IssueCategory = "resource"
	CategoryAPILimit    IssueCategory = "api_limit"
)

type Issue struct {
	Category    IssueCategory
	Severity    string
	Message     string
	Remediation string
}

// SystemHealth is the derived score and status the health() operation
// returns.
type SystemHealth struct {
	Status Status
	Score  int
	Issues []Issue
}

// Trend classifies a metric's direction over the comparison window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// trendThreshold is the ±5% change band spec.md §4.8 calls "stable".
const trendThreshold = 0.05

// QueueDepthFunc is polled at each collection tick rather than pushed,
// since the queue.Manager already owns that count and the Monitor should
// not duplicate state.
type QueueDepthFunc func() int

// MemoryUsageFunc reports the current memory pressure ratio in [0,1].
type MemoryUsageFunc func() float64

// BudgetUsageFunc reports the current daily-call-budget usage ratio in
// [0,1], typically backed by ratelimit.Accountant.Snapshot.
type BudgetUsageFunc func() float64

type counters struct {
	jobsStarted   int
	jobsCompleted int
	jobsFailed    int
	recordsLoaded int
	apiCalls      int
	totalDuration time.Duration
	durationCount int
}

// Monitor collects counters, retains a bounded HealthSnapshot ring, and
// publishes alert events when thresholds are crossed.
type Monitor struct {
	mu           sync.Mutex
	counters     counters
	ring         []HealthSnapshot
	ringCap      int
	ringHead     int
	ringLen      int
	errorWarn    float64
	errorCrit    float64
	queueDepth   QueueDepthFunc
	memoryUsage  MemoryUsageFunc
	budgetUsage  BudgetUsageFunc
	bus          *events.Bus
	log          *zap.Logger
	cronSched    *cron.Cron
	lastTickTime time.Time
}

func New(ringCapacity int, errorRateWarn, errorRateCritical float64, queueDepth QueueDepthFunc, memoryUsage MemoryUsageFunc, budgetUsage BudgetUsageFunc, bus *events.Bus, log *zap.Logger) *Monitor {
	if ringCapacity < 1 {
		ringCapacity = 1440
	}
	return &Monitor{
		ring:        make([]HealthSnapshot, ringCapacity),
		ringCap:     ringCapacity,
		errorWarn:   errorRateWarn,
		errorCrit:   errorRateCritical,
		queueDepth:  queueDepth,
		memoryUsage: memoryUsage,
		budgetUsage: budgetUsage,
		bus:         bus,
		log:         log,
	}
}

// Start schedules periodic snapshot collection at cadence on its own cron
// scheduler (the same library the Accountant uses for its daily reset, but
// a separate instance).
func (m *Monitor) Start(cadence time.Duration) {
	sched := cron.New()
	spec := "@every " + cadence.String()
	if _, err := sched.AddFunc(spec, m.collect); err == nil {
		m.cronSched = sched
		sched.Start()
	} else {
		m.log.Warn("monitor: failed to schedule snapshot cadence", zap.Error(err))
	}
}

func (m *Monitor) Stop() {
	if m.cronSched != nil {
		m.cronSched.Stop()
	}
}

func (m *Monitor) RecordJobStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.jobsStarted++
}

func (m *Monitor) RecordJobCompleted(recordsLoaded int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.jobsCompleted++
	m.counters.recordsLoaded += recordsLoaded
	m.counters.totalDuration += duration
	m.counters.durationCount++
}

func (m *Monitor) RecordJobFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.jobsFailed++
}

func (m *Monitor) RecordAPICalls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.apiCalls += n
}

// ErrorRate returns the most recently collected snapshot's error rate, or 0
// before the first tick.
func (m *Monitor) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.latestLocked()
	if !ok {
		return 0
	}
	return snap.ErrorRate
}

// collect computes one HealthSnapshot from the counters accumulated since
// the previous tick, appends it to the ring, and evaluates alert
// thresholds. It resets the per-tick counters afterward — JobsPerMinute
// etc. describe the interval just completed, not a cumulative total.
func (m *Monitor) collect() {
	m.mu.Lock()
	now := time.Now().UTC()
	elapsed := now.Sub(m.lastTickTime)
	if m.lastTickTime.IsZero() || elapsed <= 0 {
		elapsed = time.Minute
	}
	c := m.counters
	m.counters = counters{}
	m.lastTickTime = now
	m.mu.Unlock()

	total := c.jobsCompleted + c.jobsFailed
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(c.jobsFailed) / float64(total)
	}
	avgDuration := time.Duration(0)
	if c.durationCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.durationCount)
	}
	memUsage := 0.0
	if m.memoryUsage != nil {
		memUsage = m.memoryUsage()
	}
	depth := 0
	if m.queueDepth != nil {
		depth = m.queueDepth()
	}
	budgetUsage := 0.0
	if m.budgetUsage != nil {
		budgetUsage = m.budgetUsage()
	}

	snapshot := HealthSnapshot{
		Timestamp:        now,
		JobsPerMinute:    float64(c.jobsStarted) / elapsed.Minutes(),
		RecordsPerSecond: float64(c.recordsLoaded) / elapsed.Seconds(),
		AvgJobDuration:   avgDuration,
		ErrorRate:        errorRate,
		CallsUsed:        c.apiCalls,
		MemoryUsageRatio: memUsage,
		BudgetUsageRatio: budgetUsage,
		QueueDepth:       depth,
	}

	m.mu.Lock()
	m.ring[m.ringHead] = snapshot
	m.ringHead = (m.ringHead + 1) % m.ringCap
	if m.ringLen < m.ringCap {
		m.ringLen++
	}
	m.mu.Unlock()

	m.evaluateAlerts(snapshot)
}

// Health derives the current SystemHealth from the most recent snapshot.
func (m *Monitor) Health() SystemHealth {
	m.mu.Lock()
	snap, ok := m.latestLocked()
	m.mu.Unlock()
	if !ok {
		return SystemHealth{Status: StatusHealthy, Score: 100}
	}
	return scoreHealth(snap, m.errorWarn, m.errorCrit)
}

func (m *Monitor) latestLocked() (HealthSnapshot, bool) {
	if m.ringLen == 0 {
		return HealthSnapshot{}, false
	}
	idx := (m.ringHead - 1 + m.ringCap) % m.ringCap
	return m.ring[idx], true
}

// Analytics returns snapshots within the last windowHours.
func (m *Monitor) Analytics(windowHours float64) []HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(windowHours * float64(time.Hour)))
	out := make([]HealthSnapshot, 0, m.ringLen)
	for i := 0; i < m.ringLen; i++ {
		idx := (m.ringHead - m.ringLen + i + m.ringCap) % m.ringCap
		if m.ring[idx].Timestamp.After(cutoff) {
			out = append(out, m.ring[idx])
		}
	}
	return out
}

// scoreHealth implements spec.md §4.8's weighted-penalty scoring.
func scoreHealth(snap HealthSnapshot, errorWarn, errorCrit float64) SystemHealth {
	score := 100
	var issues []Issue

	switch {
	case snap.ErrorRate >= errorCrit:
		score -= 20
		issues = append(issues, Issue{Category: CategoryErrorRate, Severity: "high", Message: "error rate above critical threshold", Remediation: "pause affected phase and inspect recent job failures"})
	case snap.ErrorRate >= errorWarn:
		score -= 10
		issues = append(issues, Issue{Category: CategoryErrorRate, Severity: "medium", Message: "error rate above warning threshold", Remediation: "monitor; consider reducing concurrency"})
	}

	switch {
	case snap.MemoryUsageRatio >= 0.9:
		score -= 15
		issues = append(issues, Issue{Category: CategoryResource, Severity: "high", Message: "memory usage above 90%", Remediation: "reduce max_concurrent_jobs or batch sizes"})
	case snap.MemoryUsageRatio >= 0.75:
		score -= 10
		issues = append(issues, Issue{Category: CategoryResource, Severity: "medium", Message: "memory usage above 75%", Remediation: "watch for sustained growth"})
	}

	if snap.AvgJobDuration > 30*time.Second {
		score -= 10
		issues = append(issues, Issue{Category: CategoryPerformance, Severity: "medium", Message: "average job duration elevated", Remediation: "check for slow or retried external calls"})
	}

	switch {
	case snap.BudgetUsageRatio >= 0.95:
		score -= 25
		issues = append(issues, Issue{Category: CategoryAPILimit, Severity: "critical", Message: "daily call budget nearly exhausted", Remediation: "pause non-critical phases until reset"})
	case snap.BudgetUsageRatio >= 0.8:
		score -= 15
		issues = append(issues, Issue{Category: CategoryAPILimit, Severity: "medium", Message: "daily call budget usage above 80%", Remediation: "prioritize remaining phases by weight"})
	}

	if score < 0 {
		score = 0
	}

	status := StatusHealthy
	switch {
	case score < 70:
		status = StatusCritical
	case score <= 84:
		status = StatusWarning
	}
	return SystemHealth{Status: status, Score: score, Issues: issues}
}
