package telemetry

import (
	"context"
	"testing"
)

func TestSetupAndShutdown(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{ServiceName: "batata-test", NodeID: "node-1"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if p.Metrics == nil {
		t.Fatalf("expected metrics to be initialized")
	}
	p.Metrics.ConnectionsActive.Add(ctx, 1)
	p.Metrics.ConfigPublishes.Add(ctx, 1)

	p.Shutdown(ctx)
}

func TestTracerReturnsNonNil(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{ServiceName: "batata-test", NodeID: "node-1"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer p.Shutdown(ctx)

	tracer := p.Tracer("test")
	_, span := tracer.Start(ctx, "op")
	span.End()
}
