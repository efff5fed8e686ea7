package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracerProvider_PropagatesWithoutJaeger(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())

	shutdown, err := InitTracerProvider("store", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	prop := otel.GetTextMapPropagator()
	assert.Contains(t, prop.Fields(), "traceparent")

	in := propagation.MapCarrier{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	ctx := prop.Extract(context.Background(), in)
	out := propagation.MapCarrier{}
	prop.Inject(ctx, out)
	assert.Equal(t, in["traceparent"], out["traceparent"], "incoming trace context reaches the event headers")
}
