package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type apiMetrics struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
}

func newAPIMetrics(logger pslog.Logger) *apiMetrics {
	meter := otel.Meter("pkt.systems/consignd/httpapi")
	m := &apiMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"consignd.api.requests",
		metric.WithDescription("Handshake API requests by operation and outcome"),
	)
	logMetricInitError(logger, "consignd.api.requests", err)

	m.duration, err = meter.Int64Histogram(
		"consignd.api.duration_ms",
		metric.WithDescription("Handshake API request duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "consignd.api.duration_ms", err)
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

// outcomeLabel maps a response status to a low-cardinality outcome label.
func outcomeLabel(status int) string {
	switch {
	case status < http.StatusBadRequest:
		return "ok"
	case status == http.StatusBadRequest:
		return "invalid"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusForbidden:
		return "rejected"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status >= http.StatusInternalServerError:
		return "error"
	default:
		return "client_error"
	}
}

func (m *apiMetrics) record(ctx context.Context, operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String("consignd.operation", operation),
		attribute.String("consignd.outcome", outcomeLabel(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}
