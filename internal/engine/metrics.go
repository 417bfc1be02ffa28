package engine

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("dsr.engine")
	meter  = otel.Meter("dsr.engine")
)

var (
	tasksQueued  metric.Int64Counter
	tasksRefused metric.Int64Counter
	requestsDone metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		tasksQueued, err = meter.Int64Counter(
			"dsr_engine_tasks_queued_total",
			metric.WithDescription("Task deliveries added to the in-process queue"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tasksRefused, err = meter.Int64Counter(
			"dsr_engine_tasks_refused_total",
			metric.WithDescription("Task deliveries dropped by admission, by reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestsDone, err = meter.Int64Counter(
			"dsr_engine_requests_finished_total",
			metric.WithDescription("Privacy requests reaching a final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordQueued(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	tasksQueued.Add(ctx, 1)
}

func recordRefused(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	tasksRefused.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordFinished(ctx context.Context, status string) {
	if err := initMetrics(); err != nil {
		return
	}
	requestsDone.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
