// Package metrics holds the OpenTelemetry instruments of the completion
// gateway. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/yungtweek/talkie/apps/completion-gateway"

// OutcomeAdmitted labels accepted requests; rejections use their reason.
const OutcomeAdmitted = "admitted"

// Metrics records admission and generation measurements.
type Metrics struct {
	admissions   metric.Int64Counter
	tokens       metric.Int64Counter
	throughput   metric.Float64Histogram
	streamErrors metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	admissions, err := meter.Int64Counter("completion.admissions",
		metric.WithDescription("Admission decisions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion.admissions counter: %w", err)
	}

	tokens, err := meter.Int64Counter("completion.tokens",
		metric.WithDescription("Completion tokens generated"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion.tokens counter: %w", err)
	}

	throughput, err := meter.Float64Histogram("completion.throughput",
		metric.WithDescription("Generation throughput per request"),
		metric.WithUnit("{token}/s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion.throughput histogram: %w", err)
	}

	streamErrors, err := meter.Int64Counter("completion.stream.errors",
		metric.WithDescription("Generations terminated by an engine fault, by fault type"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion.stream.errors counter: %w", err)
	}

	return &Metrics{
		admissions:   admissions,
		tokens:       tokens,
		throughput:   throughput,
		streamErrors: streamErrors,
	}, nil
}

// NewGlobal creates the instruments on the global meter provider.
func NewGlobal() (*Metrics, error) {
	return New(otel.Meter(meterName))
}

func (m *Metrics) RecordAdmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGeneration records a completed generation's token count and
// throughput in tokens per second.
func (m *Metrics) RecordGeneration(ctx context.Context, tokens int, throughput float64) {
	if m == nil {
		return
	}
	m.tokens.Add(ctx, int64(tokens))
	m.throughput.Record(ctx, throughput)
}

func (m *Metrics) RecordStreamError(ctx context.Context, errType string) {
	if m == nil {
		return
	}
	m.streamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errType)))
}

// ProviderConfig configures the OTLP/HTTP metric export pipeline.
type ProviderConfig struct {
	ServiceName string
	Endpoint    string // collector URL ("http://collector:4318") or bare host:port
	Insecure    bool   // plain HTTP for a bare host:port; a URL's scheme decides otherwise
	Interval    time.Duration
}

// InitProvider installs an SDK meter provider exporting over OTLP/HTTP as the
// global provider. The caller must Shutdown the returned provider on exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetrichttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// exporterOptions accepts the endpoint in both forms OTEL_EXPORTER_OTLP_ENDPOINT
// is written in. A URL without a path is sent to the default /v1/metrics.
func exporterOptions(cfg ProviderConfig) []otlpmetrichttp.Option {
	if !strings.Contains(cfg.Endpoint, "://") {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return opts
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if _, rest, _ := strings.Cut(endpoint, "://"); !strings.Contains(rest, "/") {
		endpoint += "/v1/metrics"
	}
	return []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(endpoint)}
}
