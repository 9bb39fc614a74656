package resmgr

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type managerMetrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	contendCount    metric.Int64Counter
	timeoutCount    metric.Int64Counter
}

func newManagerMetrics(logger pslog.Logger) *managerMetrics {
	meter := otel.Meter("pkt.systems/domaind/resmgr")
	m := &managerMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"domaind.resmgr.acquire",
		metric.WithDescription("Granted resource locks"),
	)
	logMetricInitError(logger, "domaind.resmgr.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"domaind.resmgr.acquire.duration_ms",
		metric.WithDescription("Time from acquire request to grant"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "domaind.resmgr.acquire.duration_ms", err)

	m.contendCount, err = meter.Int64Counter(
		"domaind.resmgr.contended",
		metric.WithDescription("Acquisitions that had to wait"),
	)
	logMetricInitError(logger, "domaind.resmgr.contended", err)

	m.timeoutCount, err = meter.Int64Counter(
		"domaind.resmgr.timeout",
		metric.WithDescription("Acquisitions that failed or timed out waiting"),
	)
	logMetricInitError(logger, "domaind.resmgr.timeout", err)

	return m
}

func (m *managerMetrics) attrs(ns string, mode Mode) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("namespace", ns),
		attribute.String("mode", mode.String()),
	)
}

func (m *managerMetrics) acquired(ctx context.Context, ns string, mode Mode, wait time.Duration) {
	if m == nil {
		return
	}
	opt := m.attrs(ns, mode)
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, opt)
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, wait.Milliseconds(), opt)
	}
}

func (m *managerMetrics) contended(ctx context.Context, ns string, mode Mode) {
	if m == nil || m.contendCount == nil {
		return
	}
	m.contendCount.Add(ctx, 1, m.attrs(ns, mode))
}

func (m *managerMetrics) timedOut(ctx context.Context, ns string, mode Mode) {
	if m == nil || m.timeoutCount == nil {
		return
	}
	m.timeoutCount.Add(ctx, 1, m.attrs(ns, mode))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
