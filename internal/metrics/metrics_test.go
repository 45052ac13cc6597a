package metrics

import (
	"context"
	"testing"
)

func TestNoopReturnsUsableInstruments(t *testing.T) {
	inst := Noop()
	if inst.SessionsOpen == nil || inst.SessionsTotal == nil || inst.QueryLatency == nil ||
		inst.FlushSize == nil || inst.AttachFailures == nil {
		t.Fatal("Noop() returned an Instruments with a nil instrument")
	}

	ctx := context.Background()
	inst.SessionsOpen.Add(ctx, 1)
	inst.SessionsTotal.Add(ctx, 1)
	inst.QueryLatency.Record(ctx, 12.5)
	inst.FlushSize.Record(ctx, 64)
	inst.AttachFailures.Add(ctx, 1)
}

func TestInitReturnsWorkingInstrumentsAndShutdown(t *testing.T) {
	inst, shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if inst == nil {
		t.Fatal("Init returned a nil Instruments")
	}
	inst.SessionsOpen.Add(context.Background(), 1)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
