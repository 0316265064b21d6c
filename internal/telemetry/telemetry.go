// Package telemetry implements the kernel's fire-and-forget event sink: a
// NATS publish carrying the caller's trace context when a connection is
// configured, and a no-op otherwise.
package telemetry

import (
	"context"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Sink records workflow/task lifecycle events outside the durable event log,
// for dashboards and live observers. It never blocks workflow execution: a
// publish failure is logged and swallowed.
type Sink interface {
	Record(ctx context.Context, subject string, payload []byte)
	Close()
}

// NATSSink publishes to subject "kernel.events.<suffix>" with the caller's
// trace context injected into the message headers.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink wraps an already-connected NATS client. A nil conn yields a
// sink whose Record calls are no-ops, matching noopSink's contract.
func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

func (s *NATSSink) Record(ctx context.Context, subject string, payload []byte) {
	if s == nil || s.conn == nil {
		return
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: payload, Header: hdr}
	if err := s.conn.PublishMsg(msg); err != nil {
		slog.Warn("telemetry publish failed", "subject", subject, "error", err)
	}
}

func (s *NATSSink) Close() {
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message's
// headers and starting a consumer span around the handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("kernel-telemetry")
		ctx, span := tr.Start(ctx, "telemetry.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// NoopSink discards every record; used when no NATS connection is configured.
type NoopSink struct{}

func (NoopSink) Record(context.Context, string, []byte) {}
func (NoopSink) Close()                                 {}
