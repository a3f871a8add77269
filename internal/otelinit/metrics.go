package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the instruments shared across the resilience and pipeline
// packages.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	QueueDepth             metric.Int64Gauge
	OperatorFailures       metric.Int64Counter
}

// InitMetrics configures a global MeterProvider fed by both an OTLP push
// exporter and a pull-based Prometheus reader, and returns the handler an
// HTTP server should mount at /metrics alongside a shutdown function for
// the push side.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}

	promExporter, err := otelprom.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExporter))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	shutdown = func(context.Context) error { return nil }
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
		readers = append(readers, sdkmetric.WithReader(reader))
		shutdown = reader.Shutdown
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint, "prometheus", promExporter != nil)
	return shutdown, promhttp.Handler(), createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter(tracerName)
	retry, _ := meter.Int64Counter("dagrun_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("dagrun_resilience_circuit_open_total")
	queueDepth, _ := meter.Int64Gauge("dagrun_eventbus_queue_depth")
	opFailures, _ := meter.Int64Counter("dagrun_operator_failures_total")
	return Metrics{
		RetryAttempts:          retry,
		CircuitOpenTransitions: circuit,
		QueueDepth:             queueDepth,
		OperatorFailures:       opFailures,
	}
}
