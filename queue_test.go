package tillsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestEnqueue_AssignsSequenceNumbers(t *testing.T) {
	eng := newTestEngine(t)

	var last int64
	for i := 0; i < 5; i++ {
		op := mustEnqueue(t, eng, EnqueueRequest{
			VenueID:    1,
			TerminalID: "T1",
			Type:       "order.create",
			Payload:    orderPayload("seq"),
		})
		if op.Seq != last+1 {
			t.Errorf("expected seq %d, got %d", last+1, op.Seq)
		}
		last = op.Seq
		if op.Status != StatusPending {
			t.Errorf("expected pending status, got %s", op.Status)
		}
		if op.OpID == "" {
			t.Errorf("expected generated operation id")
		}
	}

	// A different terminal gets its own counter.
	op := mustEnqueue(t, eng, EnqueueRequest{
		VenueID:    1,
		TerminalID: "T2",
		Type:       "order.create",
		Payload:    orderPayload("other"),
	})
	if op.Seq != 1 {
		t.Errorf("expected seq 1 for fresh terminal, got %d", op.Seq)
	}

	st, err := eng.GetTerminalStatus(context.Background(), 1, "T1")
	if err != nil {
		t.Fatalf("GetTerminalStatus: %v", err)
	}
	if st.PendingOps != 5 {
		t.Errorf("expected 5 pending, got %d", st.PendingOps)
	}
}

func TestEnqueue_IdempotentResubmission(t *testing.T) {
	eng := newTestEngine(t)

	first := mustEnqueue(t, eng, EnqueueRequest{
		VenueID:    1,
		TerminalID: "T1",
		Type:       "order.create",
		Payload:    orderPayload("original"),
		OpID:       "abc",
	})

	// Same id, different payload: the existing record wins.
	second := mustEnqueue(t, eng, EnqueueRequest{
		VenueID:    1,
		TerminalID: "T1",
		Type:       "order.create",
		Payload:    orderPayload("changed"),
		OpID:       "abc",
	})

	if second.Seq != first.Seq {
		t.Errorf("resubmission advanced sequence: %d -> %d", first.Seq, second.Seq)
	}
	if string(second.Payload) != string(first.Payload) {
		t.Errorf("resubmission altered payload: %s", second.Payload)
	}

	st, err := eng.GetTerminalStatus(context.Background(), 1, "T1")
	if err != nil {
		t.Fatalf("GetTerminalStatus: %v", err)
	}
	if st.PendingOps != 1 {
		t.Errorf("expected exactly one pending row, got %d", st.PendingOps)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	eng := newTestEngine(t)

	valid := EnqueueRequest{
		VenueID:    1,
		TerminalID: "T1",
		Type:       "order.create",
		Payload:    orderPayload("ok"),
	}

	t.Run("BadVenue", func(t *testing.T) {
		req := valid
		req.VenueID = 0
		if _, err := eng.Enqueue(context.Background(), req); !errors.Is(err, ErrInvalidVenue) {
			t.Errorf("expected ErrInvalidVenue, got %v", err)
		}
	})

	t.Run("BadTerminal", func(t *testing.T) {
		req := valid
		req.TerminalID = "no spaces allowed"
		if _, err := eng.Enqueue(context.Background(), req); !errors.Is(err, ErrInvalidTerminal) {
			t.Errorf("expected ErrInvalidTerminal, got %v", err)
		}
	})

	t.Run("UnregisteredType", func(t *testing.T) {
		req := valid
		req.Type = "refund.issue"
		if _, err := eng.Enqueue(context.Background(), req); !errors.Is(err, ErrUnknownOperationType) {
			t.Errorf("expected ErrUnknownOperationType, got %v", err)
		}
	})

	t.Run("BadPayload", func(t *testing.T) {
		req := valid
		req.Payload = json.RawMessage(`{"broken`)
		if _, err := eng.Enqueue(context.Background(), req); !errors.Is(err, ErrEmptyPayload) {
			t.Errorf("expected ErrEmptyPayload, got %v", err)
		}
	})

	t.Run("MissingDependency", func(t *testing.T) {
		req := valid
		req.DependsOn = "ghost"
		if _, err := eng.Enqueue(context.Background(), req); !errors.Is(err, ErrDependencyNotFound) {
			t.Errorf("expected ErrDependencyNotFound, got %v", err)
		}
	})

	// Nothing was queued by the rejected requests.
	st, err := eng.GetTerminalStatus(context.Background(), 1, "T1")
	if err != nil {
		t.Fatalf("GetTerminalStatus: %v", err)
	}
	if st.PendingOps != 0 {
		t.Errorf("expected 0 pending after rejections, got %d", st.PendingOps)
	}
}

func TestEnqueue_DisabledEngine(t *testing.T) {
	eng := newTestEngine(t, func(cfg *EngineConfig) { cfg.Enabled = false })

	op, err := eng.Enqueue(context.Background(), EnqueueRequest{
		VenueID:    1,
		TerminalID: "T1",
		Type:       "order.create",
		Payload:    orderPayload("noop"),
	})
	if err != nil {
		t.Fatalf("disabled enqueue returned error: %v", err)
	}
	if op != nil {
		t.Errorf("disabled enqueue returned a record: %+v", op)
	}
}
