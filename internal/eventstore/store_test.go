package eventstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/douglance/dbg-sub001/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Record(ctx, types.Event{Source: "bwp", Category: "network", Method: "requestWillBeSent"}, true); err != nil {
		t.Fatalf("Record: %v", err)
	}

	cols, rows, err := s.Query(ctx, "SELECT id, method FROM events")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("cols = %v", cols)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestRecordOrderingIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA, err := s.Record(ctx, types.Event{Method: "a"}, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	idB, err := s.Record(ctx, types.Event{Method: "b"}, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if idB <= idA {
		t.Fatalf("expected idB > idA, got %d, %d", idA, idB)
	}
}

func TestFlushThresholdTriggersWithoutFlushNow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < flushThreshold; i++ {
		if _, err := s.Record(ctx, types.Event{Method: "m"}, false); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if s.BufferDepth() != 0 {
		t.Errorf("BufferDepth = %d, want 0 once %d events reach the threshold", s.BufferDepth(), flushThreshold)
	}
	if err := s.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if s.BufferDepth() != 0 {
		t.Errorf("BufferDepth = %d, want 0 after flush", s.BufferDepth())
	}
}

func TestFlushHookFiresOnlyForNonEmptyFlush(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	s.SetFlushHook(func(n int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := s.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow (empty): %v", err)
	}
	mu.Lock()
	gotEmpty := calls
	mu.Unlock()
	if gotEmpty != 0 {
		t.Fatalf("flush hook fired on an empty flush: calls = %d", gotEmpty)
	}

	if _, err := s.Record(ctx, types.Event{Method: "m"}, true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	mu.Lock()
	gotNonEmpty := calls
	mu.Unlock()
	if gotNonEmpty != 1 {
		t.Fatalf("expected flush hook to fire once, got %d", gotNonEmpty)
	}
}

func TestBufferDepthReflectsUnflushedEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Record(ctx, types.Event{Method: "m"}, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if s.BufferDepth() == 0 {
		t.Fatal("expected a nonzero buffer depth before the timer flushes")
	}
}

func TestLastFlushAgeZeroBeforeFirstFlush(t *testing.T) {
	s := openTestStore(t)
	if s.LastFlushAge() != 0 {
		t.Errorf("LastFlushAge = %v, want 0 before any flush", s.LastFlushAge())
	}
}

func TestLastFlushAgeAdvancesAfterFlush(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Record(ctx, types.Event{Method: "m"}, true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if s.LastFlushAge() <= 0 {
		t.Error("expected LastFlushAge to be positive after a flush")
	}
}

func TestCloseRejectsFurtherRecords(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Record(ctx, types.Event{Method: "m"}, false); err == nil {
		t.Fatal("expected Record on a closed store to error")
	}
}
