package tillsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAcquireSyncClaim_StaleTakeover(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	acquired, err := eng.store.AcquireSyncClaim(ctx, 1, "T1", time.Minute, now)
	if err != nil || !acquired {
		t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
	}

	// A live claim blocks a second acquirer.
	acquired, err = eng.store.AcquireSyncClaim(ctx, 1, "T1", time.Minute, now.Add(time.Second))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if acquired {
		t.Fatalf("live claim was taken over")
	}

	// Past the TTL the claim is abandoned and taken over.
	acquired, err = eng.store.AcquireSyncClaim(ctx, 1, "T1", time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("stale acquire: %v", err)
	}
	if !acquired {
		t.Fatalf("stale claim was not taken over")
	}

	// Claims are scoped per terminal.
	acquired, err = eng.store.AcquireSyncClaim(ctx, 1, "T2", time.Minute, now)
	if err != nil || !acquired {
		t.Fatalf("other terminal acquire: acquired=%v err=%v", acquired, err)
	}
}

func TestPendingCountTracksStatusTransitions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	pendingEqual := func(want int) {
		t.Helper()
		fromLog, err := eng.store.PendingCount(ctx, 1, "T1")
		if err != nil {
			t.Fatalf("PendingCount: %v", err)
		}
		st, err := eng.GetTerminalStatus(ctx, 1, "T1")
		if err != nil {
			t.Fatalf("GetTerminalStatus: %v", err)
		}
		if fromLog != want || st.PendingOps != want {
			t.Fatalf("pending mismatch: log=%d state=%d want=%d", fromLog, st.PendingOps, want)
		}
	}

	op := mustEnqueue(t, eng, EnqueueRequest{
		VenueID: 1, TerminalID: "T1", Type: "order.create",
		Payload: orderPayload("tracked"),
	})
	pendingEqual(1)

	claimed, err := eng.store.MarkInProgress(ctx, op, time.Now())
	if err != nil || !claimed {
		t.Fatalf("MarkInProgress: claimed=%v err=%v", claimed, err)
	}
	pendingEqual(0)

	if err := eng.store.RequeueOperation(ctx, op, "transient"); err != nil {
		t.Fatalf("RequeueOperation: %v", err)
	}
	pendingEqual(1)

	if _, err := eng.store.MarkInProgress(ctx, op, time.Now()); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := eng.store.CompleteOperation(ctx, op, "srv-1", nil, time.Now()); err != nil {
		t.Fatalf("CompleteOperation: %v", err)
	}
	pendingEqual(0)

	st, _ := eng.GetTerminalStatus(ctx, 1, "T1")
	if st.SyncedOps != 1 {
		t.Errorf("expected 1 synced, got %d", st.SyncedOps)
	}
}

func TestMarkInProgress_OnlyFromPending(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	op := mustEnqueue(t, eng, EnqueueRequest{
		VenueID: 1, TerminalID: "T1", Type: "order.create",
		Payload: orderPayload("once"),
	})

	claimed, err := eng.store.MarkInProgress(ctx, op, time.Now())
	if err != nil || !claimed {
		t.Fatalf("first MarkInProgress: claimed=%v err=%v", claimed, err)
	}

	// Already in progress: the transition must not double-fire.
	claimed, err = eng.store.MarkInProgress(ctx, op, time.Now())
	if err != nil {
		t.Fatalf("second MarkInProgress: %v", err)
	}
	if claimed {
		t.Fatalf("in-progress operation was claimed twice")
	}
}

func TestResolveConflict(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	mustEnqueue(t, eng, EnqueueRequest{
		VenueID: 1, TerminalID: "T1", Type: "order.create",
		Payload: orderPayload("dispute"), OpID: "op-c",
	})
	conflictAll := ApplierFunc(func(ctx context.Context, op *Operation) ApplyOutcome {
		return ApplyConflict("price_mismatch", "price changed server-side",
			json.RawMessage(`{"price":450}`))
	})
	if _, err := eng.Sync(ctx, 1, "T1", conflictAll); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	conflicts, err := eng.ListConflicts(ctx, 1, true)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("ListConflicts: n=%d err=%v", len(conflicts), err)
	}
	id := conflicts[0].ConflictID

	if err := eng.ResolveConflict(ctx, id, "manager:alex"); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	// Resolved conflicts drop out of the unresolved view but stay listed.
	unresolved, _ := eng.ListConflicts(ctx, 1, true)
	if len(unresolved) != 0 {
		t.Errorf("resolved conflict still listed as unresolved")
	}
	all, _ := eng.ListConflicts(ctx, 1, false)
	if len(all) != 1 {
		t.Fatalf("resolved conflict vanished from the full list")
	}
	if !all[0].Resolved || all[0].ResolvedBy != "manager:alex" || all[0].ResolvedAt.IsZero() {
		t.Errorf("resolution not recorded: %+v", all[0])
	}

	if err := eng.ResolveConflict(ctx, "no-such-conflict", "x"); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("expected ErrConflictNotFound, got %v", err)
	}
}

func TestGetConflict_Absent(t *testing.T) {
	eng := newTestEngine(t)

	c, err := eng.store.GetConflict(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil for absent conflict, got %+v", c)
	}
}

func TestStoreClosedGuard(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := eng.store.PendingCount(ctx, 1, "T1"); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := eng.Enqueue(ctx, EnqueueRequest{
		VenueID: 1, TerminalID: "T1", Type: "order.create",
		Payload: orderPayload("late"),
	}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed from enqueue, got %v", err)
	}

	// Close is idempotent.
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
