// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Journal is an optional crash-recovery aid: it mirrors admitted jobs into
// Redis so a restarted process can re-admit anything left pending or
// running at the time of a crash. The in-memory Manager remains the single
// source of truth while the process is alive; the journal only matters
// across restarts, which keeps spec.md's single-process, single-in-memory-
// copy invariant intact during normal operation.
type Journal struct {
	rdb    *redis.Client
	log    *zap.Logger
	keyPfx string
}

func NewJournal(rdb *redis.Client, log *zap.Logger, keyPrefix string) *Journal {
	if keyPrefix == "" {
		keyPrefix = "census:journal:"
	}
	return &Journal{rdb: rdb, log: log, keyPfx: keyPrefix}
}

func (j *Journal) key(jobID string) string {
	return j.keyPfx + jobID
}

// Record persists a job's current state. Manager.Add calls it on every
// admission, including retry re-admissions; the move to running is not
// recorded.
func (j *Journal) Record(ctx context.Context, job Job) error {
	if j == nil || j.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal journal entry: %w", err)
	}
	if err := j.rdb.Set(ctx, j.key(job.ID), payload, 48*time.Hour).Err(); err != nil {
		j.log.Warn("journal record failed", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}

// Forget removes a terminal job from the journal.
func (j *Journal) Forget(ctx context.Context, jobID string) error {
	if j == nil || j.rdb == nil {
		return nil
	}
	return j.rdb.Del(ctx, j.key(jobID)).Err()
}

// Recover scans the journal and returns every non-terminal job so the
// caller can re-admit them to a fresh Manager. Mirrors reaper's heartbeat
// scan-and-requeue shape, minus the per-worker heartbeat check: here the
// whole process is presumed dead, not a single worker.
func (j *Journal) Recover(ctx context.Context) ([]Job, error) {
	if j == nil || j.rdb == nil {
		return nil, nil
	}
	var (
		cursor  uint64
		jobs    []Job
	)
	for {
		keys, cur, err := j.rdb.Scan(ctx, cursor, j.keyPfx+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: journal scan: %w", err)
		}
		cursor = cur
		for _, key := range keys {
			payload, err := j.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				j.log.Warn("journal get failed", zap.String("key", key), zap.Error(err))
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(payload), &job); err != nil {
				j.log.Warn("journal entry corrupt, dropping", zap.String("key", key), zap.Error(err))
				continue
			}
			if job.Status == StatusCompleted || job.Status == StatusFailed {
				continue
			}
			// A running job found at recovery time was orphaned by the crash;
			// it re-enters as pending so the queue's normal retry accounting
			// applies rather than silently resuming mid-flight.
			if job.Status == StatusRunning {
				job.Status = StatusPending
				job.StartedAt = nil
			}
			jobs = append(jobs, job)
		}
		if cursor == 0 {
			break
		}
	}
	return jobs, nil
}
