package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics 在线状态相关计数器
type Metrics struct {
	heartbeats  metric.Int64Counter
	rejected    metric.Int64Counter
	disconnects metric.Int64Counter
	reclaimed   metric.Int64Counter
	events      metric.Int64Counter
}

// New 从全局 MeterProvider 创建计数器，telemetry.Init 之后创建的计数器才会真正导出
func New(service string) *Metrics {
	return NewWithProvider(otel.GetMeterProvider(), service)
}

// NewWithProvider 从指定的 MeterProvider 创建计数器
func NewWithProvider(provider metric.MeterProvider, service string) *Metrics {
	meter := provider.Meter(service)
	heartbeats, _ := meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Total heartbeats accepted"))
	rejected, _ := meter.Int64Counter("presence_heartbeats_rejected_total",
		metric.WithDescription("Heartbeats rejected at the write boundary"))
	disconnects, _ := meter.Int64Counter("presence_disconnects_total",
		metric.WithDescription("Total disconnect signals handled"))
	reclaimed, _ := meter.Int64Counter("presence_reclaimed_total",
		metric.WithDescription("Presence records reclaimed by sweeps and clears"))
	events, _ := meter.Int64Counter("presence_events_total",
		metric.WithDescription("Presence events broadcast to observers"))
	return &Metrics{
		heartbeats:  heartbeats,
		rejected:    rejected,
		disconnects: disconnects,
		reclaimed:   reclaimed,
		events:      events,
	}
}

func (m *Metrics) Heartbeat(ctx context.Context) {
	m.heartbeats.Add(ctx, 1)
}

func (m *Metrics) HeartbeatRejected(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Disconnect(ctx context.Context, source string) {
	m.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) Reclaimed(ctx context.Context, source string, n int64) {
	if n <= 0 {
		return
	}
	m.reclaimed.Add(ctx, n, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) Event(ctx context.Context, eventType string) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
