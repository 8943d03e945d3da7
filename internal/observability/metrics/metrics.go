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

// Metrics exposes application-level instruments.
type Metrics struct {
	claims           metric.Int64Counter
	ledgerEntries    metric.Int64Counter
	ledgerDrift      metric.Int64Counter
	idempotency      metric.Int64Counter
	offlineReplays   metric.Int64Counter
	paymentEvents    metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "keepr"
	}
	meter := provider.Meter(name)

	claims, err := meter.Int64Counter("keepr_claims_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("keepr_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	ledgerDrift, err := meter.Int64Counter("keepr_ledger_drift_total")
	if err != nil {
		return nil, err
	}
	idempotency, err := meter.Int64Counter("keepr_idempotency_requests_total")
	if err != nil {
		return nil, err
	}
	offlineReplays, err := meter.Int64Counter("keepr_pos_offline_replays_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("keepr_payment_events_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("keepr_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("keepr_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		claims:           claims,
		ledgerEntries:    ledgerEntries,
		ledgerDrift:      ledgerDrift,
		idempotency:      idempotency,
		offlineReplays:   offlineReplays,
		paymentEvents:    paymentEvents,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordClaim counts claim attempts by type and outcome (accepted, conflict).
func (m *Metrics) RecordClaim(ctx context.Context, claimType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("claim_type", strings.TrimSpace(claimType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.claims.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, subjectType, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("subject_type", strings.TrimSpace(subjectType)),
		attribute.String("kind", strings.TrimSpace(kind)),
	)
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerDrift counts subjects whose cached balance disagrees with the
// sum of their entries.
func (m *Metrics) RecordLedgerDrift(ctx context.Context, subjectType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("subject_type", strings.TrimSpace(subjectType)),
	)
	m.ledgerDrift.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordIdempotency counts guarded requests by outcome (executed, replayed,
// failed, conflict, in_progress).
func (m *Metrics) RecordIdempotency(ctx context.Context, scope, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("scope", strings.TrimSpace(scope)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.idempotency.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOfflineReplay counts POS replays by outcome (posted, duplicate,
// needs_review).
func (m *Metrics) RecordOfflineReplay(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.offlineReplays.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"tenant_id":    {},
	"endpoint":     {},
	"status_code":  {},
	"claim_type":   {},
	"outcome":      {},
	"subject_type": {},
	"kind":         {},
	"scope":        {},
	"provider":     {},
	"event_type":   {},
	"reason":       {},
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
