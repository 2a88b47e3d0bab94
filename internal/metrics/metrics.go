package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	PoolOperations    metric.Int64Counter
	RewardsPaid       metric.Float64Counter
	PenaltiesTaken    metric.Float64Counter
	TotalStaked       metric.Float64ObservableGauge
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
}

// TotalStakedReader supplies the observable total-staked gauge. The pool
// engine satisfies it.
type TotalStakedReader interface {
	TotalStakedFloat() float64
}

func Setup(serviceName string, staked TotalStakedReader) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"fsk_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"fsk_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolOperations, err = meter.Int64Counter(
		"fsk_pool_operations_total",
		metric.WithDescription("Pool ledger operations by type and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RewardsPaid, err = meter.Float64Counter(
		"fsk_rewards_paid_total",
		metric.WithDescription("Reward units paid out by claims"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PenaltiesTaken, err = meter.Float64Counter(
		"fsk_penalties_taken_total",
		metric.WithDescription("Penalty units deducted by fast withdrawals"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TotalStaked, err = meter.Float64ObservableGauge(
		"fsk_total_staked",
		metric.WithDescription("Units currently staked in the pool"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			if staked != nil {
				o.Observe(staked.TotalStakedFloat())
			}
			return nil
		}),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"fsk_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"fsk_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"fsk_stream_connections",
		metric.WithDescription("Number of active WebSocket and SSE connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordPoolOperation(ctx context.Context, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PoolOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordRewardPaid(ctx context.Context, amount float64) {
	m.RewardsPaid.Add(ctx, amount)
}

func (m *Metrics) RecordPenalty(ctx context.Context, amount float64) {
	m.PenaltiesTaken.Add(ctx, amount)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}
