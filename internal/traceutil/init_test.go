package traceutil

import (
	"context"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

func TestConfig_SamplerURL(t *testing.T) {
	t.Setenv("JAEGER_SAMPLER_MANAGER_HOST_PORT", "")
	assert.Equal(t, DefaultSamplerURL, Config{}.samplerURL())

	t.Setenv("JAEGER_SAMPLER_MANAGER_HOST_PORT", "http://jaeger:5778/sampling")
	assert.Equal(t, "http://jaeger:5778/sampling", Config{}.samplerURL())
	assert.Equal(t, "http://other/sampling", Config{SamplerURL: "http://other/sampling"}.samplerURL())
}

func TestInit_Disabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")

	closer, err := Init(context.Background(), Config{ServiceName: "smtpgate"})
	require.NoError(t, err)
	require.NoError(t, closer(context.Background()))

	// the propagator is installed even when tracing is off
	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a},
		SpanID:     trace.SpanID{0x0b},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := baggage.ContextWithBaggage(trace.ContextWithSpanContext(context.Background(), sc), bag)

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, AMQPTableCarrier(headers))

	assert.Contains(t, headers, "traceparent")
	assert.Contains(t, headers, "baggage")

	got := otel.GetTextMapPropagator().Extract(context.Background(), AMQPTableCarrier(headers))
	assert.Equal(t, "acme", baggage.FromContext(got).Member("tenant").Value())
}
