package jobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	submitCount metric.Int64Counter
	finishCount metric.Int64Counter
	retryCount  metric.Int64Counter
	duration    metric.Int64Histogram
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/domaind/jobs")
	m := &engineMetrics{}
	var err error

	m.submitCount, err = meter.Int64Counter(
		"domaind.jobs.submitted",
		metric.WithDescription("Jobs accepted for execution"),
	)
	logMetricInitError(logger, "domaind.jobs.submitted", err)

	m.finishCount, err = meter.Int64Counter(
		"domaind.jobs.finished",
		metric.WithDescription("Jobs reaching a terminal state"),
	)
	logMetricInitError(logger, "domaind.jobs.finished", err)

	m.retryCount, err = meter.Int64Counter(
		"domaind.jobs.step_retries",
		metric.WithDescription("Transient step failures retried"),
	)
	logMetricInitError(logger, "domaind.jobs.step_retries", err)

	m.duration, err = meter.Int64Histogram(
		"domaind.jobs.duration_ms",
		metric.WithDescription("Time from worker pickup to terminal state"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "domaind.jobs.duration_ms", err)

	return m
}

func (m *engineMetrics) submitted(ctx context.Context, typ Type) {
	if m == nil || m.submitCount == nil {
		return
	}
	m.submitCount.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
}

func (m *engineMetrics) retried(ctx context.Context, typ Type, step string) {
	if m == nil || m.retryCount == nil {
		return
	}
	m.retryCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.String("step", step),
	))
}

func (m *engineMetrics) completed(ctx context.Context, typ Type, state State, elapsed time.Duration) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.String("outcome", string(state)),
	)
	if m.finishCount != nil {
		m.finishCount.Add(ctx, 1, opt)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), opt)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
