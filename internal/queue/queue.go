// Copyright 2025 James Ross
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/census-ingest/internal/catalog"
)

// RetryDelayFunc computes the re-admission delay for a given retry attempt,
// normally config.Config.RetryDelay.
type RetryDelayFunc func(attempt int) time.Duration

// PhaseGate reports whether a phase may still admit dispatched work: false
// once the orchestrator has marked the phase terminal, so a job that
// re-admits itself after a delayed retry (Fail) cannot be dispatched into a
// phase that has already drained.
type PhaseGate func(phase catalog.PhaseName) bool

type LoadResult struct {
	RecordsLoaded  int
	RecordsSkipped int
	RecordsErrored int
	Duration       time.Duration
	APICalls       int
	Completeness   float64
	Accuracy       float64
	Consistency    float64
}

// heapItem is the container/heap element: pending jobs ordered by
// (priority desc, created_at asc).
type heapItem struct {
	job   Job
	index int
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

// Less reports whether job i should be popped before job j: higher
// priority first, ties broken by earlier created_at (spec.md §4.2).
func (h jobHeap) Less(i, j int) bool {
	return catalog.LessByPriorityThenAge(h[i].job.Priority, h[j].job.Priority, h[i].job.CreatedAt, h[j].job.CreatedAt)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Manager is the single in-memory Priority Queue Manager (spec.md §4.5): at
// most one copy of a given job id exists across pending/running/completed.
type Manager struct {
	mu sync.Mutex

	pending jobHeap
	byID    map[string]*heapItem

	running   map[string]Job
	completed map[string]completedEntry
	failed    map[string]Job

	retryDelay RetryDelayFunc
	phaseGate  PhaseGate
	journal    *Journal

	retryTimers map[string]*time.Timer
}

type completedEntry struct {
	job       Job
	result    LoadResult
	finishedAt time.Time
}

func NewManager(retryDelay RetryDelayFunc, phaseGate PhaseGate) *Manager {
	m := &Manager{
		byID:        make(map[string]*heapItem),
		running:     make(map[string]Job),
		completed:   make(map[string]completedEntry),
		failed:      make(map[string]Job),
		retryDelay:  retryDelay,
		phaseGate:   phaseGate,
		retryTimers: make(map[string]*time.Timer),
	}
	heap.Init(&m.pending)
	return m
}

// SetPhaseGate installs the gate consulted by NextBatch, replacing whatever
// was passed to NewManager. Orchestrator wiring needs this because the
// gate closes over the orchestrator's terminal-phase state, and the
// Manager is constructed before the Orchestrator that owns it.
func (m *Manager) SetPhaseGate(gate PhaseGate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseGate = gate
}

// SetJournal enables crash-recovery persistence (spec.md:173): every
// admission is mirrored to the journal, and every terminal completion
// forgets it. A nil journal (the default) disables persistence entirely,
// matching an embedder that never configures cache.redis_addr.
func (m *Manager) SetJournal(j *Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

// Add admits a pending job, rejecting duplicate ids across all states.
func (m *Manager) Add(j Job) error {
	m.mu.Lock()
	if m.exists(j.ID) {
		m.mu.Unlock()
		return fmt.Errorf("queue: duplicate job id %s", j.ID)
	}
	j.Status = StatusPending
	item := &heapItem{job: j}
	heap.Push(&m.pending, item)
	m.byID[j.ID] = item
	journal := m.journal
	m.mu.Unlock()

	if journal != nil {
		_ = journal.Record(context.Background(), j)
	}
	return nil
}

func (m *Manager) exists(id string) bool {
	if _, ok := m.byID[id]; ok {
		return true
	}
	if _, ok := m.running[id]; ok {
		return true
	}
	if _, ok := m.completed[id]; ok {
		return true
	}
	if _, ok := m.failed[id]; ok {
		return true
	}
	return false
}

// NextBatch removes up to k highest-priority pending jobs whose phase is not
// blocked by unmet dependencies, and transitions them to running.
func (m *Manager) NextBatch(k int) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var skipped []*heapItem
	batch := make([]Job, 0, k)
	for len(batch) < k && m.pending.Len() > 0 {
		item := heap.Pop(&m.pending).(*heapItem)
		phase := catalog.PhaseName(item.job.Metadata["phase"])
		if phase != "" && m.phaseGate != nil && !m.phaseGate(phase) {
			skipped = append(skipped, item)
			continue
		}
		delete(m.byID, item.job.ID)
		now := time.Now().UTC()
		item.job.Status = StatusRunning
		item.job.StartedAt = &now
		m.running[item.job.ID] = item.job
		batch = append(batch, item.job)
	}
	for _, item := range skipped {
		heap.Push(&m.pending, item)
		m.byID[item.job.ID] = item
	}
	return batch
}

// HasPendingFor reports whether any pending job belongs to the given phase.
func (m *Manager) HasPendingFor(phase catalog.PhaseName) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.pending {
		if catalog.PhaseName(item.job.Metadata["phase"]) == phase {
			return true
		}
	}
	for _, j := range m.running {
		if catalog.PhaseName(j.Metadata["phase"]) == phase {
			return true
		}
	}
	return false
}

func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Complete moves a running job to the completed registry.
func (m *Manager) Complete(jobID string, result LoadResult) error {
	m.mu.Lock()
	j, ok := m.running[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue: job %s is not running", jobID)
	}
	delete(m.running, jobID)
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.ProcessedRecords = result.RecordsLoaded
	m.completed[jobID] = completedEntry{job: j, result: result, finishedAt: now}
	journal := m.journal
	m.mu.Unlock()

	if journal != nil {
		_ = journal.Forget(context.Background(), jobID)
	}
	return nil
}

// Fail moves a running job to failed, or re-admits it to pending after
// retry_delay(retry_count) when retryable and retries remain.
func (m *Manager) Fail(jobID string, retryable bool) error {
	m.mu.Lock()
	j, ok := m.running[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue: job %s is not running", jobID)
	}
	delete(m.running, jobID)
	j.ErrorCount++

	if retryable && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		delay := time.Duration(0)
		if m.retryDelay != nil {
			delay = m.retryDelay(j.RetryCount)
		}
		j.Status = StatusPending
		j.StartedAt = nil
		readmit := j
		readmit.CreatedAt = time.Now().UTC().Add(delay)
		m.mu.Unlock()
		if delay <= 0 {
			return m.Add(readmit)
		}
		timer := time.AfterFunc(delay, func() {
			_ = m.Add(readmit)
			m.mu.Lock()
			delete(m.retryTimers, readmit.ID)
			m.mu.Unlock()
		})
		m.mu.Lock()
		m.retryTimers[readmit.ID] = timer
		m.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	j.Status = StatusFailed
	j.CompletedAt = &now
	m.failed[jobID] = j
	journal := m.journal
	m.mu.Unlock()

	if journal != nil {
		_ = journal.Forget(context.Background(), jobID)
	}
	return nil
}

// CleanupCompleted purges completed jobs older than maxAge to bound memory.
func (m *Manager) CleanupCompleted(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	purged := 0
	for id, entry := range m.completed {
		if entry.finishedAt.Before(cutoff) {
			delete(m.completed, id)
			purged++
		}
	}
	return purged
}

func (m *Manager) Snapshot() (pending, running, completed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len(), len(m.running), len(m.completed), len(m.failed)
}
