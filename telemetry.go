package flowgraph

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// meterName is the OTel instrumentation scope used throughout the engine,
// mirroring the teacher's per-package meter/tracer naming.
const meterName = "github.com/flowgraph-io/flowgraph"

var (
	meter  = otel.GetMeterProvider().Meter(meterName)
	tracer = otel.GetTracerProvider().Tracer(meterName)

	inCounter, _     = meter.Int64Counter(meterName + ".incoming")
	outCounter, _    = meter.Int64Counter(meterName + ".outgoing")
	errorsCounter, _ = meter.Int64Counter(meterName + ".errors")
	batchDuration, _ = meter.Int64Histogram(meterName + ".duration")
)

// defaultLogger is flowgraph's package-level structured logger, following
// the teacher's pipe.go defaultLogger convention. Engines may override it
// with WithLogger.
var defaultLogger = &logrus.Logger{
	Out:       logrus.StandardLogger().Out,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.WarnLevel,
}

// instrumentInvocation wraps a single operator invocation with an OTel
// span and the incoming/outgoing/error/duration instruments, mirroring
// vertex.go's span()/metrics() middleware. runID correlates every metric
// point and span belonging to one Process call, the same role
// uuid.NewString() plays in the teacher's vertex.metrics().
func instrumentInvocation(ctx context.Context, op *operatorCore, inCount int) (end func(outCount, errCount int)) {
	runID := attribute.String("run_id", uuid.NewString())
	id := attribute.String("operator_id", op.idString())
	kind := attribute.String("operator_kind", string(op.kind))
	attrs := []attribute.KeyValue{id, kind, runID}

	_, span := tracer.Start(ctx, op.name, trace.WithAttributes(attrs...))

	inCounter.Add(ctx, int64(inCount), metric.WithAttributes(attrs...))
	start := time.Now()

	return func(outCount, errCount int) {
		outCounter.Add(ctx, int64(outCount), metric.WithAttributes(attrs...))
		errorsCounter.Add(ctx, int64(errCount), metric.WithAttributes(attrs...))
		batchDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(attrs...))
		if errCount > 0 {
			span.AddEvent("error")
		}
		span.End()
	}
}

func logFunctionError(logger *logrus.Logger, op *operatorCore, err error) {
	if logger == nil {
		logger = defaultLogger
	}
	logger.WithFields(logrus.Fields{
		"operator_id":   op.id,
		"operator_name": op.name,
		"operator_kind": op.kind,
		"error_kind":    ErrFunctionError,
	}).Warn(err)
}
