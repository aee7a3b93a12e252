// Package observability provides OpenTelemetry instrumentation for tracing
// and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics endpoint
// and a shutdown function to be called on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunMetrics holds the instruments the dispatch loop records on.
type RunMetrics struct {
	Attempts  metric.Int64Counter
	Succeeded metric.Int64Counter
	Exhausted metric.Int64Counter
	Inflight  metric.Int64UpDownCounter
}

// NewRunMetrics creates the batch-run instruments on the global meter
// provider. Instrument creation only fails on malformed names, so errors
// here indicate a programming mistake.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("reconbatch/orchestrator")

	attempts, err := meter.Int64Counter("reconbatch_job_attempts_total",
		metric.WithDescription("Execution attempts started, including retries."))
	if err != nil {
		return nil, err
	}
	succeeded, err := meter.Int64Counter("reconbatch_jobs_succeeded_total",
		metric.WithDescription("Jobs that reached the succeeded state."))
	if err != nil {
		return nil, err
	}
	exhausted, err := meter.Int64Counter("reconbatch_jobs_exhausted_total",
		metric.WithDescription("Jobs that ran out of attempts or were cancelled."))
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter("reconbatch_jobs_inflight",
		metric.WithDescription("Attempts currently submitted to the backend."))
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		Attempts:  attempts,
		Succeeded: succeeded,
		Exhausted: exhausted,
		Inflight:  inflight,
	}, nil
}
