package observability

import (
	"os"
	"strconv"
	"sync"
)

var (
	defaultTracer     *Tracer
	defaultTracerOnce sync.Once
)

// DefaultTracer returns a process-wide Tracer, constructing it on first use
// from OTEL_EXPORTER_OTLP_ENDPOINT/OTEL_SERVICE_NAME/OTEL_TRACES_SAMPLER_ARG,
// the same environment variables the OpenTelemetry SDK itself recognizes.
// With no endpoint set it's a no-op tracer, matching NewTracer's own
// empty-endpoint behavior. Every caller that wants tracing but doesn't own
// the application's single shutdown call (e.g. an Agent Loop built once per
// research sub-task) should use this instead of calling NewTracer itself.
func DefaultTracer() *Tracer {
	defaultTracerOnce.Do(func() {
		serviceName := os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "browseragent"
		}
		samplingRate := 1.0
		if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				samplingRate = parsed
			}
		}
		defaultTracer, _ = NewTracer(TraceConfig{
			ServiceName:    serviceName,
			Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			SamplingRate:   samplingRate,
			EnableInsecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		})
	})
	return defaultTracer
}
