// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/catalog"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestJournalRecoverSkipsTerminalAndReopensRunning(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	j := NewJournal(rdb, zap.NewNop(), "")

	pending := NewJob(KindBulk, "d", 2023, Geography{Level: catalog.LevelState}, nil, 50, 3, nil)
	running := NewJob(KindBulk, "d", 2023, Geography{Level: catalog.LevelCounty}, nil, 70, 3, nil)
	running.Status = StatusRunning
	done := NewJob(KindBulk, "d", 2023, Geography{Level: catalog.LevelTract}, nil, 30, 3, nil)
	done.Status = StatusCompleted

	require.NoError(t, j.Record(ctx, pending))
	require.NoError(t, j.Record(ctx, running))
	require.NoError(t, j.Record(ctx, done))

	recovered, err := j.Recover(ctx)
	require.NoError(t, err)
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered jobs (pending+running), got %d", len(recovered))
	}
	for _, job := range recovered {
		if job.Status != StatusPending {
			t.Fatalf("expected recovered job to be pending, got %s", job.Status)
		}
		if job.ID == done.ID {
			t.Fatal("completed job should not be recovered")
		}
	}
}

func TestJournalForgetRemovesEntry(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	j := NewJournal(rdb, zap.NewNop(), "")

	job := NewJob(KindBulk, "d", 2023, Geography{Level: catalog.LevelState}, nil, 50, 3, nil)
	require.NoError(t, j.Record(ctx, job))
	require.NoError(t, j.Forget(ctx, job.ID))

	recovered, err := j.Recover(ctx)
	require.NoError(t, err)
	if len(recovered) != 0 {
		t.Fatalf("expected 0 recovered jobs after forget, got %d", len(recovered))
	}
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	ctx := context.Background()
	if err := j.Record(ctx, NewJob(KindBulk, "d", 2023, Geography{Level: catalog.LevelState}, nil, 50, 3, nil)); err != nil {
		t.Fatalf("expected nil journal record to be a no-op, got %v", err)
	}
	recovered, err := j.Recover(ctx)
	if err != nil || recovered != nil {
		t.Fatalf("expected nil journal recover to be a no-op, got %v/%v", recovered, err)
	}
}
