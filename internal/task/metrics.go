package task

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/phrazzld/consistency/internal/task"

// Outcome labels recorded on the executions counter.
const (
	outcomeSuccess      = "success"
	outcomeFail         = "fail"
	outcomeFallbackOK   = "fallback_success"
	outcomeFallbackFail = "fallback_fail"
	outcomeSkipped      = "skipped"
)

type metrics struct {
	executions metric.Int64Counter
	fallbacks  metric.Int64Counter
	alerts     metric.Int64Counter
	promotions metric.Int64Counter
	batchSize  metric.Int64Histogram
}

func newMetrics(provider metric.MeterProvider) *metrics {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)
	return &metrics{
		executions: mustInstrument(meter.Int64Counter("consistency.task.executions",
			metric.WithDescription("Task instance execution attempts by outcome."))),
		fallbacks: mustInstrument(meter.Int64Counter("consistency.task.fallbacks",
			metric.WithDescription("Fallback handler invocations."))),
		alerts: mustInstrument(meter.Int64Counter("consistency.task.alerts",
			metric.WithDescription("Alerts dispatched for failing task instances."))),
		promotions: mustInstrument(meter.Int64Counter("consistency.task.local_promotions",
			metric.WithDescription("Local queue entries moved into the central store."))),
		batchSize: mustInstrument(meter.Int64Histogram("consistency.schedule.batch_size",
			metric.WithDescription("Instances dispatched per scheduling cycle."))),
	}
}

func (m *metrics) execution(ctx context.Context, source, outcome string) {
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func mustInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
