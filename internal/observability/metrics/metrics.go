package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes credit and marketplace instruments.
type Metrics struct {
	creditsEarned      metric.Int64Counter
	creditsSpent       metric.Int64Counter
	creditsTransferred metric.Int64Counter
	earnDenied         metric.Int64Counter
	participations     metric.Int64Counter
	refunds            metric.Int64Counter
	ledgerRetries      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New creates the instruments on the meter named after the service.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "kora"
	}
	meter := provider.Meter(name)

	var m Metrics
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.creditsEarned, "kora_credits_earned_total", "Credits added to wallets."},
		{&m.creditsSpent, "kora_credits_spent_total", "Credits debited from wallets."},
		{&m.creditsTransferred, "kora_credits_transferred_total", "Credits moved between wallets."},
		{&m.earnDenied, "kora_earn_denied_total", "Earn attempts refused by rate policies."},
		{&m.participations, "kora_promotion_participations_total", "Successful promotion joins."},
		{&m.refunds, "kora_promotion_refunds_total", "Participants refunded on cancellation."},
		{&m.ledgerRetries, "kora_ledger_retries_total", "Ledger units of work retried after infrastructure faults."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) RecordCreditsEarned(ctx context.Context, source string, amount int64) {
	if m == nil {
		return
	}
	m.creditsEarned.Add(ctx, amount, metric.WithAttributes(FilterAttributes(attribute.String("source", source))...))
}

func (m *Metrics) RecordCreditsSpent(ctx context.Context, source string, amount int64) {
	if m == nil {
		return
	}
	m.creditsSpent.Add(ctx, amount, metric.WithAttributes(FilterAttributes(attribute.String("source", source))...))
}

func (m *Metrics) RecordCreditsTransferred(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	m.creditsTransferred.Add(ctx, amount)
}

func (m *Metrics) RecordEarnDenied(ctx context.Context, activityType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("activity_type", activityType),
		attribute.String("reason", reason),
	)
	m.earnDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordParticipation(ctx context.Context, promotionType string) {
	if m == nil {
		return
	}
	m.participations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("promotion_type", promotionType))...))
}

func (m *Metrics) RecordRefunds(ctx context.Context, promotionType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.refunds.Add(ctx, int64(count), metric.WithAttributes(FilterAttributes(attribute.String("promotion_type", promotionType))...))
}

func (m *Metrics) RecordLedgerRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.ledgerRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("operation", operation))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"source":         {},
	"activity_type":  {},
	"reason":         {},
	"promotion_type": {},
	"operation":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
