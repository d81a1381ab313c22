package tillsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordHeartbeat_OfflineSinceTransitions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.RecordHeartbeat(ctx, 1, "T1", true); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	st, err := eng.GetTerminalStatus(ctx, 1, "T1")
	if err != nil {
		t.Fatalf("GetTerminalStatus: %v", err)
	}
	if !st.Online {
		t.Errorf("expected online")
	}
	if !st.OfflineSince.IsZero() {
		t.Errorf("online terminal has offline-since set")
	}
	if st.LastHeartbeat.IsZero() {
		t.Errorf("expected last heartbeat to be set")
	}

	// Going offline starts the clock.
	if err := eng.RecordHeartbeat(ctx, 1, "T1", false); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	st, _ = eng.GetTerminalStatus(ctx, 1, "T1")
	if st.Online {
		t.Errorf("expected offline")
	}
	firstOffline := st.OfflineSince
	if firstOffline.IsZero() {
		t.Fatalf("offline terminal missing offline-since")
	}

	// Repeated offline heartbeats keep the original timestamp.
	time.Sleep(10 * time.Millisecond)
	if err := eng.RecordHeartbeat(ctx, 1, "T1", false); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	st, _ = eng.GetTerminalStatus(ctx, 1, "T1")
	if !st.OfflineSince.Equal(firstOffline) {
		t.Errorf("offline-since moved on repeated offline heartbeat: %v -> %v",
			firstOffline, st.OfflineSince)
	}

	// Coming back online clears it.
	if err := eng.RecordHeartbeat(ctx, 1, "T1", true); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	st, _ = eng.GetTerminalStatus(ctx, 1, "T1")
	if !st.Online || !st.OfflineSince.IsZero() {
		t.Errorf("recovery did not clear offline-since: %+v", st)
	}
}

func TestRecordHeartbeat_FirstContactOffline(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.RecordHeartbeat(ctx, 1, "T9", false); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	st, err := eng.GetTerminalStatus(ctx, 1, "T9")
	if err != nil {
		t.Fatalf("GetTerminalStatus: %v", err)
	}
	if st.Online || st.OfflineSince.IsZero() {
		t.Errorf("first offline contact did not start the offline clock: %+v", st)
	}
}

func TestRecordHeartbeat_CountersUntouched(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	mustEnqueue(t, eng, EnqueueRequest{
		VenueID: 1, TerminalID: "T1", Type: "order.create",
		Payload: orderPayload("queued"),
	})

	if err := eng.RecordHeartbeat(ctx, 1, "T1", false); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if err := eng.RecordHeartbeat(ctx, 1, "T1", true); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	st, _ := eng.GetTerminalStatus(ctx, 1, "T1")
	if st.PendingOps != 1 {
		t.Errorf("heartbeats disturbed the pending count: %d", st.PendingOps)
	}
	if st.SyncedOps != 0 {
		t.Errorf("heartbeats disturbed the synced count: %d", st.SyncedOps)
	}
}

func TestGetTerminalStatus_UnknownTerminal(t *testing.T) {
	eng := newTestEngine(t)

	st, err := eng.GetTerminalStatus(context.Background(), 1, "never-seen")
	if err != nil {
		t.Fatalf("GetTerminalStatus: %v", err)
	}
	if st.Online || st.PendingOps != 0 || st.SyncedOps != 0 {
		t.Errorf("unknown terminal not zero-valued: %+v", st)
	}

	// Reading must not create a state row.
	again, _ := eng.GetTerminalStatus(context.Background(), 1, "never-seen")
	if !again.LastHeartbeat.IsZero() {
		t.Errorf("status read created state: %+v", again)
	}
}

func TestRecordHeartbeat_Validation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.RecordHeartbeat(ctx, 0, "T1", true); !errors.Is(err, ErrInvalidVenue) {
		t.Errorf("expected ErrInvalidVenue, got %v", err)
	}
	if err := eng.RecordHeartbeat(ctx, 1, "bad terminal!", true); !errors.Is(err, ErrInvalidTerminal) {
		t.Errorf("expected ErrInvalidTerminal, got %v", err)
	}
}

func TestSweepStale_MarksSilentTerminalsOffline(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.RecordHeartbeat(ctx, 1, "T1", true); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	// A cutoff in the future makes the fresh heartbeat count as stale.
	n, err := eng.store.MarkStaleTerminalsOffline(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("MarkStaleTerminalsOffline: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 terminal flipped, got %d", n)
	}

	st, _ := eng.GetTerminalStatus(ctx, 1, "T1")
	if st.Online {
		t.Errorf("stale terminal still online")
	}
	if st.OfflineSince.IsZero() {
		t.Errorf("stale terminal missing offline-since")
	}

	// Already-offline terminals are not flipped again.
	n, err = eng.store.MarkStaleTerminalsOffline(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("MarkStaleTerminalsOffline: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 terminals flipped, got %d", n)
	}
}
