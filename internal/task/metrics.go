package task

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

var (
	tracer = otel.Tracer("dsr.task")
	meter  = otel.Meter("dsr.task")
)

var (
	taskDuration metric.Float64Histogram
	taskTotal    metric.Int64Counter
	taskRetries  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		taskDuration, err = meter.Float64Histogram(
			"dsr_task_body_duration_seconds",
			metric.WithDescription("Duration of task bodies, retries included"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		taskTotal, err = meter.Int64Counter(
			"dsr_task_body_total",
			metric.WithDescription("Task bodies finished, by action and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		taskRetries, err = meter.Int64Counter(
			"dsr_task_retries_total",
			metric.WithDescription("Connector calls retried after a failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startTaskSpan(ctx context.Context, addr graph.CollectionAddress, action model.ActionType) (context.Context, trace.Span) {
	return tracer.Start(ctx, "GraphTask."+string(action),
		trace.WithAttributes(
			attribute.String("dsr.collection", addr.String()),
			attribute.String("dsr.action", string(action)),
		),
	)
}

func recordTaskMetrics(ctx context.Context, action model.ActionType, status model.TaskStatus, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("status", string(status)),
	)
	taskDuration.Record(ctx, d.Seconds(), attrs)
	taskTotal.Add(ctx, 1, attrs)
}

func recordRetry(ctx context.Context, action model.ActionType) {
	if err := initMetrics(); err != nil {
		return
	}
	taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}
