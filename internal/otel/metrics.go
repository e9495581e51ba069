package otel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"crmflow/internal/store"
)

var (
	initMetricsOnce    sync.Once
	stageEntries       metric.Int64Counter
	tasksCreated       metric.Int64Counter
	stageCompletions   metric.Int64Counter
	statusTransitions  metric.Int64Counter
	operationsCounter  metric.Int64Counter
	operationDurations metric.Float64Histogram
)

// InitMetrics creates the instruments once. Call after InitMeterProvider;
// Record* helpers are no-ops until then.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		stageEntries, err = m.Int64Counter("crmflow_stage_entries_total", metric.WithDescription("Stages entered by agents"))
		if err != nil {
			return
		}
		tasksCreated, err = m.Int64Counter("crmflow_tasks_created_total", metric.WithDescription("Tasks drafted from stage templates"))
		if err != nil {
			return
		}
		stageCompletions, err = m.Int64Counter("crmflow_stage_completions_total", metric.WithDescription("Stages marked complete"))
		if err != nil {
			return
		}
		statusTransitions, err = m.Int64Counter("crmflow_status_transitions_total", metric.WithDescription("Onboarding status changes"))
		if err != nil {
			return
		}
		operationsCounter, err = m.Int64Counter("crmflow_operations_total", metric.WithDescription("Engine operations by outcome"))
		if err != nil {
			return
		}
		operationDurations, err = m.Float64Histogram("crmflow_operation_duration_seconds", metric.WithDescription("Engine operation duration in seconds"))
	})
	return err
}

// RecordStageEntered counts one stage entry and the tasks it drafted.
func RecordStageEntered(ctx context.Context, pipelineID, stageID string, tasks int) {
	attrs := metric.WithAttributes(AttrPipeline.String(pipelineID), AttrStage.String(stageID))
	if stageEntries != nil {
		stageEntries.Add(ctx, 1, attrs)
	}
	if tasksCreated != nil && tasks > 0 {
		tasksCreated.Add(ctx, int64(tasks), attrs)
	}
}

func RecordStageCompleted(ctx context.Context, pipelineID, stageID string) {
	if stageCompletions != nil {
		stageCompletions.Add(ctx, 1, metric.WithAttributes(AttrPipeline.String(pipelineID), AttrStage.String(stageID)))
	}
}

func RecordStatusChange(ctx context.Context, status string) {
	if statusTransitions != nil {
		statusTransitions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	}
}

// RecordOperation records an engine operation with its outcome derived from err.
func RecordOperation(ctx context.Context, op string, started time.Time, err error) {
	attrs := metric.WithAttributes(AttrOperation.String(op), AttrOutcome.String(Outcome(err)))
	if operationsCounter != nil {
		operationsCounter.Add(ctx, 1, attrs)
	}
	if operationDurations != nil {
		operationDurations.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

// Outcome buckets an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
