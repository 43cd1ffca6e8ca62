package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTracePropagation(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "traceparent", Value: []byte("stale")}}}
	InjectTrace(ctx, record)
	require.Len(t, record.Headers, 1)

	got := trace.SpanContextFromContext(ExtractTrace(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestHeaderCarrier_Keys(t *testing.T) {
	c := headerCarrier{record: &kgo.Record{}}
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")
	assert.Equal(t, []string{"a", "b"}, c.Keys())
	assert.Equal(t, "3", c.Get("a"))
	assert.Empty(t, c.Get("missing"))
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = true
		assert.Positive(t, c.Partitions)
	}
	assert.True(t, names[TopicOrderEvents])
	assert.True(t, names[TopicDeadLetter])
	assert.Equal(t, []string{TopicOrderEvents}, DefaultConsumerConfig().Topics)
}
