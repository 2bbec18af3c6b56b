// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/census-ingest/internal/api"
	"github.com/flyingrobots/census-ingest/internal/census"
	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/events"
	"github.com/flyingrobots/census-ingest/internal/monitor"
	"github.com/flyingrobots/census-ingest/internal/obs"
	"github.com/flyingrobots/census-ingest/internal/orchestrator"
	"github.com/flyingrobots/census-ingest/internal/queue"
	"github.com/flyingrobots/census-ingest/internal/ratelimit"
	"github.com/flyingrobots/census-ingest/internal/redisclient"
	"github.com/flyingrobots/census-ingest/internal/store"
	"github.com/flyingrobots/census-ingest/internal/validate"
	"github.com/flyingrobots/census-ingest/internal/worker"
)

var version = "dev"

// Exit codes (spec.md §6).
const (
	exitSuccess       = 0
	exitConfigFailure = 1
	exitAborted       = 2
	exitPhaseFailure  = 3
)

func main() {
	var configPath string
	var phaseNames stringList
	var credentialed bool
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.Var(&phaseNames, "phase", "Phase to run (repeatable); omit to run every phase in priority order")
	fs.BoolVar(&credentialed, "credentialed", false, "Apply credentialed (API-keyed) budget and concurrency ceilings")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	os.Exit(run(configPath, phaseNames, credentialed))
}

func run(configPath string, phaseNames []string, credentialed bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfigFailure
	}
	if credentialed {
		config.ApplyCredentialed(cfg)
	}

	log, err := obs.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return exitConfigFailure
	}
	defer log.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		log.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	backend, err := store.Open(cfg.Store, cfg.Cache)
	if err != nil {
		log.Error("failed to open store", obs.Err(err))
		return exitConfigFailure
	}
	defer backend.Close()

	accountant, err := ratelimit.New(cfg.Budget.DailyLimit, cfg.Budget.ReserveForInteractive, cfg.Budget.BurstLimit, cfg.Budget.BurstWindow, cfg.Budget.ResetSchedule)
	if err != nil {
		log.Error("failed to start rate-limit accountant", obs.Err(err))
		return exitConfigFailure
	}
	defer accountant.Stop()

	bus := events.NewBus()
	if cfg.Events.NATSURL != "" {
		mirror, err := events.NewNATSMirror(cfg.Events.NATSURL, cfg.Events.NATSSubject, log)
		if err != nil {
			log.Warn("nats mirror disabled: failed to connect", obs.Err(err))
		} else {
			ch, unsubscribe := bus.Subscribe()
			go mirror.Run(ch)
			defer func() {
				unsubscribe()
				mirror.Close()
			}()
		}
	}
	client := census.NewClient(cfg.HTTPClient.BaseURL, cfg.HTTPClient.APIKey, cfg.HTTPClient.RequestTimeout)
	validator := validate.New(validate.Thresholds{
		MinCompleteness: cfg.Validation.Quality.MinCompleteness,
		MinAccuracy:     cfg.Validation.Quality.MinAccuracy,
		MinConsistency:  cfg.Validation.Quality.MinConsistency,
	})

	qm := queue.NewManager(cfg.RetryDelay, nil)
	if cfg.Cache.RedisAddr != "" {
		journalRDB := redisclient.New(cfg.Cache.RedisAddr)
		defer journalRDB.Close()
		journal := queue.NewJournal(journalRDB, log, "")
		qm.SetJournal(journal)
		recovered, err := journal.Recover(context.Background())
		if err != nil {
			log.Warn("failed to recover journaled jobs, starting clean", obs.Err(err))
		}
		for _, job := range recovered {
			if err := qm.Add(job); err != nil {
				log.Warn("failed to re-admit recovered job", obs.String("job_id", job.ID), obs.Err(err))
			}
		}
		if len(recovered) > 0 {
			log.Info("recovered jobs from a prior run's journal", obs.Int("count", len(recovered)))
		}
	}
	pool := worker.NewPool(cfg, client, accountant, backend, validator, bus, log)

	mon := monitor.New(cfg.Monitoring.RingCapacity, cfg.Monitoring.ErrorRateWarn, cfg.Monitoring.ErrorRateCritical,
		qm.QueueDepth, nil, func() float64 {
			snap := accountant.Snapshot()
			if snap.Available <= 0 {
				return 0
			}
			return float64(snap.Used) / float64(snap.Available)
		}, bus, log)
	mon.Start(cfg.Monitoring.SnapshotCadence)
	defer mon.Stop()

	orch := orchestrator.New(cfg, qm, pool, accountant, mon, bus, log)
	qm.SetPhaseGate(orch.PhaseGate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyCheck := func(c context.Context) error { return nil }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	apiSrv := api.NewServer(cfg, orch, mon, log)
	go func() {
		if err := apiSrv.Start(); err != nil {
			log.Error("control api server error", obs.Err(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = apiSrv.Shutdown(shutdownCtx)
	}()

	pool.Start(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	aborted := make(chan struct{})
	go func() {
		sig := <-sigCh
		log.Info("signal received, stopping the orchestrator", obs.String("signal", sig.String()))
		close(aborted)
		orch.Stop()
		select {
		case sig2 := <-sigCh:
			log.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(exitAborted)
		case <-time.After(cfg.GraceWindow + 5*time.Second):
		}
	}()

	if err := orch.Start(phaseNames...); err != nil {
		log.Error("failed to start orchestrator", obs.Err(err))
		return exitConfigFailure
	}

	waitForIdle(ctx, orch)
	orch.Stop()

	select {
	case <-aborted:
		return exitAborted
	default:
	}

	progress := orch.Progress()
	if progress.FailedJobs > 0 {
		log.Error("one or more required phases had jobs that exhausted their retries",
			obs.Int("failed_jobs", progress.FailedJobs))
		return exitPhaseFailure
	}
	log.Info("ingestion run complete",
		obs.Int("completed_jobs", progress.CompletedJobs))
	return exitSuccess
}

// waitForIdle blocks until the orchestrator reports it has drained every
// admitted phase, or its context is canceled (Stop, or a terminating
// signal).
func waitForIdle(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-orch.Context().Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if orch.Progress().Status == "idle" {
				return
			}
		}
	}
}

// stringList accumulates repeated -phase flags into a slice.
type stringList []string

func (s *stringList) String() string { return fmt.Sprintf("%v", []string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
