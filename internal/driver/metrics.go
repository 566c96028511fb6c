package driver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/pslog"
)

type driverMetrics struct {
	eventsProcessed   metric.Int64Counter
	processDuration   metric.Int64Histogram
	actionsDispatched metric.Int64Counter
	dispatchFailed    metric.Int64Counter
	commitRetries     metric.Int64Counter
	alarmsFired       metric.Int64Counter
	contextsFailed    metric.Int64Counter
}

func newDriverMetrics(logger pslog.Logger) *driverMetrics {
	meter := otel.Meter("pkt.systems/circuitd/driver")
	m := &driverMetrics{}
	var err error

	m.eventsProcessed, err = meter.Int64Counter(
		"circuitd.driver.events.processed",
		metric.WithDescription("Events applied to the consensus machine"),
	)
	logMetricInitError(logger, "circuitd.driver.events.processed", err)

	m.processDuration, err = meter.Int64Histogram(
		"circuitd.driver.process.duration_ms",
		metric.WithDescription("Time spent processing and committing one event"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "circuitd.driver.process.duration_ms", err)

	m.actionsDispatched, err = meter.Int64Counter(
		"circuitd.driver.actions.dispatched",
		metric.WithDescription("Actions handed to the transport or notifier"),
	)
	logMetricInitError(logger, "circuitd.driver.actions.dispatched", err)

	m.dispatchFailed, err = meter.Int64Counter(
		"circuitd.driver.actions.dispatch_failed",
		metric.WithDescription("Action dispatch attempts that failed"),
	)
	logMetricInitError(logger, "circuitd.driver.actions.dispatch_failed", err)

	m.commitRetries, err = meter.Int64Counter(
		"circuitd.driver.commit.retries",
		metric.WithDescription("Store commit attempts retried after an error"),
	)
	logMetricInitError(logger, "circuitd.driver.commit.retries", err)

	m.alarmsFired, err = meter.Int64Counter(
		"circuitd.driver.alarms.fired",
		metric.WithDescription("Alarm events synthesised from elapsed deadlines"),
	)
	logMetricInitError(logger, "circuitd.driver.alarms.fired", err)

	m.contextsFailed, err = meter.Int64Counter(
		"circuitd.driver.contexts.failed",
		metric.WithDescription("Contexts stopped by an invariant violation"),
	)
	logMetricInitError(logger, "circuitd.driver.contexts.failed", err)

	return m
}

func (m *driverMetrics) recordEvent(ctx context.Context, kind consensus.EventKind, duration time.Duration) {
	if m == nil || m.eventsProcessed == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("circuitd.event.kind", string(kind)))
	m.eventsProcessed.Add(ctx, 1, attrs)
	if m.processDuration != nil {
		m.processDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *driverMetrics) recordDispatch(ctx context.Context, kind consensus.ActionKind) {
	if m == nil || m.actionsDispatched == nil {
		return
	}
	m.actionsDispatched.Add(metricContext(ctx), 1,
		metric.WithAttributes(attribute.String("circuitd.action.kind", string(kind))))
}

func (m *driverMetrics) recordDispatchFailure(ctx context.Context, kind consensus.ActionKind) {
	if m == nil || m.dispatchFailed == nil {
		return
	}
	m.dispatchFailed.Add(metricContext(ctx), 1,
		metric.WithAttributes(attribute.String("circuitd.action.kind", string(kind))))
}

func (m *driverMetrics) recordCommitRetry(ctx context.Context) {
	if m == nil || m.commitRetries == nil {
		return
	}
	m.commitRetries.Add(metricContext(ctx), 1)
}

func (m *driverMetrics) recordAlarm(ctx context.Context) {
	if m == nil || m.alarmsFired == nil {
		return
	}
	m.alarmsFired.Add(metricContext(ctx), 1)
}

func (m *driverMetrics) recordContextFailure(ctx context.Context) {
	if m == nil || m.contextsFailed == nil {
		return
	}
	m.contextsFailed.Add(metricContext(ctx), 1)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
