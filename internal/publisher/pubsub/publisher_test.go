package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	prop := propagation.TraceContext{}
	carrier := &Carrier{Attrs: map[string]string{"kind": "quote"}}
	prop.Inject(ctx, carrier)
	require.Contains(t, carrier.Keys(), "traceparent")
	require.Equal(t, "quote", carrier.Get("kind"))

	extracted := prop.Extract(context.Background(), carrier)
	require.Equal(t, span.SpanContext().TraceID(), traceIDFrom(extracted))
}

func TestPublishWithoutPublisherFails(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), []byte("{}"), nil)
	require.Error(t, err)
}

func TestDialRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}

func traceIDFrom(ctx context.Context) trace.TraceID {
	return trace.SpanContextFromContext(ctx).TraceID()
}
