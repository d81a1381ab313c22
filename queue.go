package tillsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// QueueManager accepts and sequences operations submitted by terminals.
type QueueManager struct {
	store   *SyncStore
	opTypes map[string]bool
	metrics *engineMetrics
}

// newQueueManager creates a queue manager over the given store. opTypes is
// the registered capability table; enqueue rejects anything outside it.
func newQueueManager(store *SyncStore, opTypes map[string]bool, metrics *engineMetrics) *QueueManager {
	return &QueueManager{
		store:   store,
		opTypes: opTypes,
		metrics: metrics,
	}
}

// Enqueue validates and appends an operation to the terminal's queue.
//
// If the request carries an operation id that is already present, the
// existing record is returned unchanged: terminals retry over flaky links
// and a resubmission must not create a duplicate row or advance the
// sequence counter. Otherwise a fresh globally unique id is generated, the
// next per-terminal sequence number is allocated, and the record is
// inserted as pending.
//
// Validation failures (malformed identifiers, unregistered operation type,
// a depends-on referencing a nonexistent operation) reject synchronously;
// nothing is queued.
func (q *QueueManager) Enqueue(ctx context.Context, req EnqueueRequest) (*Operation, error) {
	if req.VenueID <= 0 {
		return nil, newEnqueueError(EnqueueReasonVenue,
			"venue id must be positive", req.VenueID, req.TerminalID)
	}
	if !validTerminalID(req.TerminalID) {
		return nil, newEnqueueError(EnqueueReasonTerminal,
			"terminal id is malformed", req.VenueID, req.TerminalID)
	}
	if !q.opTypes[req.Type] {
		return nil, newEnqueueError(EnqueueReasonType,
			"operation type "+req.Type+" is not registered", req.VenueID, req.TerminalID)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, newEnqueueError(EnqueueReasonPayload,
			"payload must be non-empty JSON", req.VenueID, req.TerminalID)
	}

	if req.OpID == "" {
		req.OpID = newOperationID()
	}

	op, created, err := q.store.InsertOperation(ctx, req, time.Now())
	if err != nil {
		return nil, err
	}
	if !created {
		slog.Debug("enqueue resubmission returned existing operation",
			"op_id", op.OpID, "venue", op.VenueID, "terminal", op.TerminalID)
		return op, nil
	}

	q.metrics.opEnqueued(op.VenueID)
	slog.Debug("operation enqueued",
		"op_id", op.OpID, "venue", op.VenueID, "terminal", op.TerminalID,
		"type", op.Type, "seq", op.Seq)
	return op, nil
}
