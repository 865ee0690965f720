package telemetry

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	t.Parallel()
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Endpoint: "http://127.0.0.1:4318", ServiceName: "threadbot-test", Insecure: true})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Nothing was recorded, so shutdown has nothing to flush.
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerRatio(t *testing.T) {
	t.Parallel()
	if got := sampler(0).Description(); got != sdktrace.AlwaysSample().Description() {
		t.Fatalf("ratio 0 sampler=%s", got)
	}
	if got := sampler(0.25).Description(); got == sdktrace.AlwaysSample().Description() {
		t.Fatalf("ratio 0.25 should not always sample")
	}
}
