// Copyright 2025 James Ross
package monitor

import (
	"fmt"
	"time"

	"github.com/flyingrobots/census-ingest/internal/events"
)

// evaluateAlerts publishes an alert event whenever a snapshot crosses a
// configured threshold. Severity follows spec.md §4.8's four-level scale;
// alerts are structured events, not log lines, so subscribers (CLI,
// future admin surfaces) render them however they choose.
func (m *Monitor) evaluateAlerts(snap HealthSnapshot) {
	if snap.ErrorRate >= m.errorCrit {
		m.publishAlert("critical", "error_rate", fmt.Sprintf("error rate %.0f%% exceeds critical threshold", snap.ErrorRate*100), "pause the affected phase and inspect recent failures")
	} else if snap.ErrorRate >= m.errorWarn {
		m.publishAlert("medium", "error_rate", fmt.Sprintf("error rate %.0f%% exceeds warning threshold", snap.ErrorRate*100), "monitor closely; consider reducing concurrency")
	}

	if snap.BudgetUsageRatio >= 0.95 {
		m.publishAlert("critical", "api_limit", "daily call budget nearly exhausted", "pause non-critical phases until the next reset")
	} else if snap.BudgetUsageRatio >= 0.8 {
		m.publishAlert("high", "api_limit", "daily call budget usage above 80%", "prioritize remaining phases by weight")
	}

	if snap.MemoryUsageRatio >= 0.9 {
		m.publishAlert("high", "resource", "memory usage above 90%", "reduce max_concurrent_jobs or batch sizes")
	}
}

// recordDiscrepancyThreshold is spec.md §9's dividing line between a job's
// estimated_records and its realized row count: an info-severity alert,
// not a failure, since the spec explicitly declines to let this affect job
// outcome.
const recordDiscrepancyThreshold = 0.25

// CheckRecordDiscrepancy compares a completed job's estimated record count
// against what it actually realized (loaded + skipped + errored) and
// raises an info alert when they diverge by more than
// recordDiscrepancyThreshold. estimated <= 0 skips the check, since there is
// no estimate to compare against; the orchestrator's per-state tract/
// block-group approximation is always positive, so those jobs are checked.
func (m *Monitor) CheckRecordDiscrepancy(jobID string, estimated, realized int) {
	if estimated <= 0 {
		return
	}
	delta := float64(realized-estimated) / float64(estimated)
	if delta < 0 {
		delta = -delta
	}
	if delta <= recordDiscrepancyThreshold {
		return
	}
	m.publishAlert("info", "data_quality",
		fmt.Sprintf("job %s realized %d records against an estimate of %d (%.0f%% difference)", jobID, realized, estimated, delta*100),
		"informational only; compare against the statistical service's published table dimensions if this recurs")
}

func (m *Monitor) publishAlert(severity, category, message, remediation string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Kind:      events.KindAlert,
		Timestamp: time.Now().UTC(),
		Payload: events.AlertPayload{
			Severity:    severity,
			Category:    category,
			Message:     message,
			Remediation: remediation,
		},
	})
}

// TrendMetric names a metric trend analysis tracks.
type TrendMetric string

const (
	MetricErrorRate  TrendMetric = "error_rate"
	MetricThroughput TrendMetric = "throughput"
	MetricLatency    TrendMetric = "latency"
)

// Trends classifies the last n snapshots' error rate, throughput, and
// latency as improving/stable/worsening by comparing the mean of the
// earlier half of the window against the later half, using the ±5%
// threshold spec.md §4.8 specifies.
func (m *Monitor) Trends(n int) map[TrendMetric]Trend {
	m.mu.Lock()
	count := n
	if count > m.ringLen {
		count = m.ringLen
	}
	snapshots := make([]HealthSnapshot, count)
	for i := 0; i < count; i++ {
		idx := (m.ringHead - count + i + m.ringCap) % m.ringCap
		snapshots[i] = m.ring[idx]
	}
	m.mu.Unlock()

	if count < 2 {
		return map[TrendMetric]Trend{
			MetricErrorRate:  TrendStable,
			MetricThroughput: TrendStable,
			MetricLatency:    TrendStable,
		}
	}

	mid := count / 2
	earlier, later := snapshots[:mid], snapshots[mid:]

	return map[TrendMetric]Trend{
		MetricErrorRate:  classifyTrend(meanErrorRate(earlier), meanErrorRate(later), true),
		MetricThroughput: classifyTrend(meanThroughput(earlier), meanThroughput(later), false),
		MetricLatency:    classifyTrend(meanLatency(earlier), meanLatency(later), true),
	}
}

// classifyTrend compares later against earlier; higherIsWorse flips which
// direction counts as "improving" (lower error rate/latency is good,
// higher throughput is good).
func classifyTrend(earlier, later float64, higherIsWorse bool) Trend {
	if earlier == 0 {
		if later == 0 {
			return TrendStable
		}
		earlier = later // avoid division by zero; treat as a fresh baseline
	}
	change := (later - earlier) / earlier
	switch {
	case change > trendThreshold:
		if higherIsWorse {
			return TrendWorsening
		}
		return TrendImproving
	case change < -trendThreshold:
		if higherIsWorse {
			return TrendImproving
		}
		return TrendWorsening
	default:
		return TrendStable
	}
}

func meanErrorRate(snaps []HealthSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += s.ErrorRate
	}
	return sum / float64(len(snaps))
}

func meanThroughput(snaps []HealthSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += s.RecordsPerSecond
	}
	return sum / float64(len(snaps))
}

func meanLatency(snaps []HealthSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range snaps {
		sum += s.AvgJobDuration
	}
	return float64(sum) / float64(len(snaps))
}
