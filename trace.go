package liverelay

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for relay spans.
const tracerName = "github.com/enesunal-m/liverelay"

// tracer returns the relay tracer from tp, or from the global provider.
func tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}
