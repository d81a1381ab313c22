package tillsync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

// testOperationTypes are registered on every test engine.
var testOperationTypes = []string{"order.create", "payment.capture", "inventory.adjust"}

// newTestEngine opens an engine over a throwaway SQLite file. Metrics are
// disabled so repeated engines do not collide on the default Prometheus
// registerer.
func newTestEngine(t *testing.T, mutate ...func(*EngineConfig)) *Engine {
	t.Helper()

	cfg := DefaultEngineConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "tillsync.db")
	cfg.OperationTypes = testOperationTypes
	cfg.MetricsEnabled = false
	for _, m := range mutate {
		m(&cfg)
	}

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

// mustEnqueue enqueues one operation or fails the test.
func mustEnqueue(t *testing.T, eng *Engine, req EnqueueRequest) *Operation {
	t.Helper()
	op, err := eng.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if op == nil {
		t.Fatalf("Enqueue returned nil operation")
	}
	return op
}

// orderPayload builds a small order payload.
func orderPayload(note string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"items": []string{"espresso"}, "note": note})
	return data
}

// succeedAll is an applier that completes every operation.
func succeedAll() Applier {
	return ApplierFunc(func(ctx context.Context, op *Operation) ApplyOutcome {
		return ApplySuccess("srv-"+op.OpID, json.RawMessage(`{"ok":true}`))
	})
}

// failAll is an applier that reports a transient error for every
// operation and counts invocations per operation id.
func failAll(calls map[string]int) Applier {
	return ApplierFunc(func(ctx context.Context, op *Operation) ApplyOutcome {
		if calls != nil {
			calls[op.OpID]++
		}
		return ApplyError("upstream unavailable")
	})
}
