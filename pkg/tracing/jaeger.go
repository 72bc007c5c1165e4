package tracing

import (
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
)

type zeroLogger struct{}

var _ jaeger.Logger = zeroLogger{}

func (zeroLogger) Error(msg string) {
	txlog.Zero.Error().Str("component", "jaeger").Msg(msg)
}

func (zeroLogger) Infof(msg string, args ...any) {
	txlog.Zero.Debug().Str("component", "jaeger").Msg(fmt.Sprintf(msg, args...))
}

// InitJaegerTracer installs a global tracer that reports every span to
// cfg.JaegerUrl. The returned closer flushes pending spans.
func InitJaegerTracer(service string, cfg config.JaegerConfig) (io.Closer, error) {
	jcfg := jaegercfg.Configuration{
		ServiceName: service,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:          false,
			CollectorEndpoint: cfg.JaegerUrl,
		},
		Gen128Bit: true,
		Tags: []opentracing.Tag{
			{Key: "span.kind", Value: "server"},
		},
	}

	txlog.Zero.Info().
		Str("service", service).
		Str("collector", cfg.JaegerUrl).
		Msg("tracing: reporting spans to jaeger")

	return jcfg.InitGlobalTracer(
		service,
		jaegercfg.Logger(zeroLogger{}),
		jaegercfg.Metrics(metrics.NullFactory),
	)
}
