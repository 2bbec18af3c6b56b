// Copyright 2025 James Ross

// Package ratelimit implements the Rate-Limit Accountant (spec.md §4.4): a
// single process-wide source of truth for daily call budget, consulted by
// both the worker pool (once per job, for all the calls the job expects to
// make) and the orchestrator (before admitting new work).
package ratelimit

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// Snapshot is the accountant's current usage, used for reporting and
// concurrency decisions.
type Snapshot struct {
	DailyLimit  int
	Reserve     int
	Used        int
	Available   int
	ResetAt     time.Time
	BurstWindow time.Duration
}

// Accountant carries daily_limit, reserve, used, reset_at and burst_window
// behind a mutex, mirroring the breaker package's sliding-window shape but
// tracking a monotonic counter instead of a pass/fail ratio. Burst admission
// within a window is additionally gated by a token bucket.
type Accountant struct {
	mu sync.Mutex

	dailyLimit int
	reserve    int
	used       int
	resetAt    time.Time

	burstWindow time.Duration
	limiter     *rate.Limiter

	cronSched *cron.Cron
}

// New builds an Accountant. burstLimit is the maximum calls admitted within
// burstWindow; resetSchedule is a standard 5-field cron expression (e.g.
// "0 0 * * *" for daily midnight reset) driving the daily counter reset.
func New(dailyLimit, reserve, burstLimit int, burstWindow time.Duration, resetSchedule string) (*Accountant, error) {
	a := &Accountant{
		dailyLimit:  dailyLimit,
		reserve:     reserve,
		burstWindow: burstWindow,
		resetAt:     nextMidnightUTC(time.Now().UTC()),
	}
	ratePerSec := float64(burstLimit) / burstWindow.Seconds()
	a.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burstLimit)

	if resetSchedule != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(resetSchedule, a.resetDaily); err != nil {
			return nil, err
		}
		sched.Start()
		a.cronSched = sched
	}
	return a, nil
}

func nextMidnightUTC(from time.Time) time.Time {
	y, m, d := from.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Stop shuts down the cron scheduler, if one was started.
func (a *Accountant) Stop() {
	if a.cronSched != nil {
		a.cronSched.Stop()
	}
}

func (a *Accountant) resetDaily() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
	a.resetAt = nextMidnightUTC(time.Now().UTC())
}

// TryAcquire returns admitted/denied synchronously; a denied acquisition
// does not consume budget.
func (a *Accountant) TryAcquire(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	available := a.dailyLimit - a.reserve
	if a.used+n > available {
		return false
	}
	if !a.limiter.AllowN(time.Now(), n) {
		return false
	}
	a.used += n
	return true
}

// Record performs post-call bookkeeping when the admitted count and the
// realized count differ (e.g. a partial failure used fewer calls than
// reserved, or a retry path used more). delta may be negative.
func (a *Accountant) Record(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used += delta
	if a.used < 0 {
		a.used = 0
	}
}

func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		DailyLimit:  a.dailyLimit,
		Reserve:     a.reserve,
		Used:        a.used,
		Available:   a.dailyLimit - a.reserve,
		ResetAt:     a.resetAt,
		BurstWindow: a.burstWindow,
	}
}
