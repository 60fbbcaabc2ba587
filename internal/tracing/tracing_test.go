package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogProcessor(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewLogProcessor(zap.New(core))))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "planner.batch")
	span.SetAttributes(attribute.Int("links", 2))
	span.SetStatus(codes.Error, "boom")
	span.End()

	entries := logs.FilterMessage("span finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "planner.batch", fields["span"])
	assert.Equal(t, "2", fields["attr.links"])
	assert.Equal(t, "boom", fields["error"])
}

func TestSetupInstallsGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	core, logs := observer.New(zapcore.DebugLevel)
	shutdown := Setup(zap.New(core))

	_, span := otel.Tracer("scheduler").Start(context.Background(), "scheduler.result")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("span finished").Len())
}
