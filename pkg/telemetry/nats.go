package telemetry

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chat-gateway")

// natsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type natsHeaderCarrier struct {
	header nats.Header
}

func (c *natsHeaderCarrier) Get(key string) string {
	return c.header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, value string) {
	c.header.Set(key, value)
}

func (c *natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

// InjectContext returns a nats.Header carrying the trace context of ctx.
func InjectContext(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &natsHeaderCarrier{header: h})
	return h
}

// ExtractContext pulls trace context out of a NATS message header.
func ExtractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &natsHeaderCarrier{header: header})
}

// TracedPublish publishes with a PRODUCER span and propagated trace headers.
func TracedPublish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	return nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  InjectContext(ctx),
	})
}

// StartConsumerSpan extracts trace context from a message and starts a
// CONSUMER span. Caller must call span.End().
func StartConsumerSpan(ctx context.Context, msg *nats.Msg, operationName string) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, msg.Header)
	return tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
}

// StartServerSpan extracts trace context from a message and starts a SERVER
// span for request/reply responders. Caller must call span.End().
func StartServerSpan(ctx context.Context, msg *nats.Msg, operationName string) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, msg.Header)
	return tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
}
