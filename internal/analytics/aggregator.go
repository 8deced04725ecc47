// Package analytics recomputes per-step timing and completion statistics
// from historical step executions. It runs entirely off the engine's critical
// path; a slow or failing refresh only costs freshness, never correctness.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/procyon/internal/storage"
	"github.com/pitabwire/procyon/model"
)

// Aggregator computes analytics snapshots for steps.
type Aggregator struct {
	graphs storage.GraphStore
	execs  storage.ExecutionStore
	logger *zap.Logger
}

// NewAggregator creates a new analytics aggregator.
func NewAggregator(graphs storage.GraphStore, execs storage.ExecutionStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{graphs: graphs, execs: execs, logger: logger}
}

// RefreshStepAnalytics recomputes the median and 90th-percentile duration and
// the completion rate of a step from all of its recorded step executions, and
// writes the snapshot back onto the step. A step with no completed executions
// is a no-op. Concurrent refreshes of the same step are safe; the last writer
// wins.
func (a *Aggregator) RefreshStepAnalytics(ctx context.Context, stepID string) error {
	stepExecs, err := a.execs.ListStepExecutions(ctx, stepID)
	if err != nil {
		return fmt.Errorf("list step executions: %w", err)
	}

	var durations []float64
	for i := range stepExecs {
		if stepExecs[i].Status == model.StepStatusCompleted {
			durations = append(durations, stepExecs[i].DurationMinutes)
		}
	}
	if len(durations) == 0 {
		return nil
	}
	sort.Float64s(durations)

	snap := storage.AnalyticsSnapshot{
		MedianDurationMinutes: median(durations),
		P90DurationMinutes:    percentile90(durations),
		CompletionRate:        model.ProgressPercent(len(durations), len(stepExecs)),
		UpdatedAt:             time.Now().UTC(),
	}
	if err := a.graphs.UpdateStepAnalytics(ctx, stepID, snap); err != nil {
		return fmt.Errorf("update step analytics: %w", err)
	}

	a.logger.Debug("step analytics refreshed",
		zap.String("step_id", stepID),
		zap.Float64("median_minutes", snap.MedianDurationMinutes),
		zap.Float64("p90_minutes", snap.P90DurationMinutes),
		zap.Int("completion_rate", snap.CompletionRate),
	)
	return nil
}

// median returns the middle value of a sorted sample; for an even count, the
// mean of the two middle values.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile90 returns the element at index floor(n*0.9) of a sorted sample,
// clamped to the last index.
func percentile90(sorted []float64) float64 {
	idx := int(float64(len(sorted)) * 0.9)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
