// Copyright 2025 James Ross
// Package queue implements the priority queue manager (spec.md §4.5): an
// in-memory, single-process structure ordering pending jobs by
// (priority desc, created_at asc) and grouping them by phase.
package queue

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/census-ingest/internal/catalog"
)

type JobKind string

const (
	KindBulk        JobKind = "bulk"
	KindIncremental JobKind = "incremental"
	KindBackfill    JobKind = "backfill"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusPaused    JobStatus = "paused"
)

// Geography is a job's fetch target: a level plus an optional explicit code
// set and parent scope (e.g. block_group jobs carry a parent state+county).
type Geography struct {
	Level      catalog.GeographyLevel
	Codes      []string
	ParentKind string
	ParentCode string
}

// Job is the unit of ingestion work (spec.md §3).
type Job struct {
	ID       string
	Kind     JobKind
	Dataset  string
	Year     int
	Geo      Geography
	Variables []string
	Priority int

	Status JobStatus

	EstimatedRecords int
	ProcessedRecords int
	ErrorCount       int
	RetryCount       int
	MaxRetries       int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Metadata map[string]string
}

// NewJob constructs a pending job with a fresh identity. priority must
// already be computed by the caller (catalog.JobPriority).
func NewJob(kind JobKind, dataset string, year int, geo Geography, variables []string, priority, maxRetries int, metadata map[string]string) Job {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Dataset:    dataset,
		Year:       year,
		Geo:        geo,
		Variables:  variables,
		Priority:   priority,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
}

// Retryable reports whether the job has retries remaining.
func (j Job) Retryable() bool { return j.RetryCount < j.MaxRetries }

// WithPhase returns a metadata copy tagged with the given phase name, used
// when expanding a PhaseDefinition into jobs.
func (j Job) WithPhase(phase catalog.PhaseName, chunkIndex, totalChunks int) Job {
	md := make(map[string]string, len(j.Metadata)+3)
	for k, v := range j.Metadata {
		md[k] = v
	}
	md["phase"] = string(phase)
	if totalChunks > 0 {
		md["chunk_index"] = strconv.Itoa(chunkIndex)
		md["total_chunks"] = strconv.Itoa(totalChunks)
	}
	j.Metadata = md
	return j
}
