package tracing_test

import (
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJaegerTracer(t *testing.T) {
	prev := opentracing.GlobalTracer()
	t.Cleanup(func() {
		opentracing.SetGlobalTracer(prev)
	})

	closer, err := tracing.InitJaegerTracer("txseq-test", config.JaegerConfig{
		JaegerUrl: "http://127.0.0.1:14268/api/traces",
	})
	require.NoError(t, err)

	assert.True(t, opentracing.IsGlobalTracerRegistered())
	span := opentracing.StartSpan("test")
	span.Finish()

	assert.NoError(t, closer.Close())
}
