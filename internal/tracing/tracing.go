// Package tracing installs the process tracer provider. Finished spans are
// written to the zap logger at debug level.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// LogProcessor implements sdktrace.SpanProcessor by logging every ended
// span.
type LogProcessor struct {
	log *zap.Logger
}

// NewLogProcessor creates a processor writing to log.
func NewLogProcessor(log *zap.Logger) *LogProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProcessor{log: log}
}

func (p *LogProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *LogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	sc := s.SpanContext()
	fields := []zap.Field{
		zap.String("span", s.Name()),
		zap.String("kind", s.SpanKind().String()),
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
	}
	for _, kv := range s.Attributes() {
		fields = append(fields, zap.String("attr."+string(kv.Key), kv.Value.Emit()))
	}
	if st := s.Status(); st.Code == codes.Error {
		fields = append(fields, zap.String("error", st.Description))
	}
	p.log.Debug("span finished", fields...)
}

func (p *LogProcessor) Shutdown(ctx context.Context) error {
	return nil
}

func (p *LogProcessor) ForceFlush(ctx context.Context) error {
	return nil
}

// Setup installs a global tracer provider feeding spans to log and returns
// its shutdown function. Tracers obtained before Setup start recording too.
func Setup(log *zap.Logger) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewLogProcessor(log)))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
