package tillsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SyncResult summarizes one sync pass over a terminal's queue.
type SyncResult struct {
	// Synced is the number of operations completed this pass.
	Synced int `json:"synced"`
	// Failed is the number of operations that hit a transient error this
	// pass, including any that thereby reached the attempt ceiling.
	Failed int `json:"failed"`
	// Conflicts is the number of conflict outcomes recorded this pass.
	Conflicts int `json:"conflicts"`
	// Skipped is the number of candidates left pending because their
	// declared dependency has not completed.
	Skipped int `json:"skipped"`
	// Remaining is the terminal's pending count after the pass, including
	// operations the batch never selected.
	Remaining int `json:"remaining"`
}

// SyncProcessor drains pending operations per terminal in
// dependency-respecting order, applying them through the caller-supplied
// capability.
type SyncProcessor struct {
	store       *SyncStore
	batchSize   int
	maxAttempts int
	claimTTL    time.Duration
	metrics     *engineMetrics
}

// newSyncProcessor creates a sync processor over the given store.
func newSyncProcessor(store *SyncStore, batchSize, maxAttempts int, claimTTL time.Duration, metrics *engineMetrics) *SyncProcessor {
	return &SyncProcessor{
		store:       store,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		claimTTL:    claimTTL,
		metrics:     metrics,
	}
}

// Sync runs one bounded batch pass for a terminal.
//
// At most one pass may be in flight per terminal: the pass holds the
// advisory claim for its duration and a concurrent request gets
// ErrSyncInProgress. New enqueues may land during the pass; they join the
// pending set and are invisible to the already-selected batch.
//
// Candidates are applied in sequence order. A candidate whose declared
// dependency has not completed is skipped and stays pending; chains are
// independent, so unrelated operations in the same batch still proceed.
// Every status transition is durably written before the next step: the
// pending->in_progress transition lands before the applier runs, so a
// crash mid-apply is observable (the attempt is on record) and recoverable
// on the next pass.
func (p *SyncProcessor) Sync(ctx context.Context, venue int64, terminal string, applier Applier) (*SyncResult, error) {
	if venue <= 0 {
		return nil, ErrInvalidVenue
	}
	if !validTerminalID(terminal) {
		return nil, ErrInvalidTerminal
	}
	if applier == nil {
		return nil, ErrNoApplier
	}

	acquired, err := p.store.AcquireSyncClaim(ctx, venue, terminal, p.claimTTL, time.Now())
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}
	defer func() {
		if err := p.store.ReleaseSyncClaim(context.WithoutCancel(ctx), venue, terminal); err != nil {
			slog.Warn("failed to release sync claim", "venue", venue, "terminal", terminal, "err", err)
		}
	}()

	// With the claim held no other pass can be running, so any row still
	// in_progress belongs to a pass that crashed mid-apply.
	requeued, crashed, err := p.store.RecoverInFlight(ctx, venue, terminal, p.maxAttempts)
	if err != nil {
		return nil, err
	}
	if requeued > 0 || crashed > 0 {
		slog.Warn("recovered interrupted sync pass",
			"venue", venue, "terminal", terminal,
			"requeued", requeued, "failed", crashed)
	}

	batch, err := p.store.PendingBatch(ctx, venue, terminal, p.batchSize, p.maxAttempts)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	completed := make(map[string]bool, len(batch))

	for _, op := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		if op.DependsOn != "" && !p.dependencySatisfied(ctx, op.DependsOn, completed) {
			result.Skipped++
			continue
		}

		outcome, applied, err := p.applyOne(ctx, op, applier)
		if err != nil {
			return nil, err
		}
		if !applied {
			// Lost the pending->in_progress race; leave it alone.
			continue
		}

		switch outcome.Status {
		case ApplyStatusSuccess:
			result.Synced++
			completed[op.OpID] = true
			p.metrics.opSynced(venue)
		case ApplyStatusConflict:
			result.Conflicts++
			p.metrics.opConflicted(venue)
		default:
			result.Failed++
			p.metrics.opFailed(venue)
		}
	}

	now := time.Now()
	if err := p.store.TouchLastSync(ctx, venue, terminal, now); err != nil {
		return nil, err
	}

	remaining, err := p.store.PendingCount(ctx, venue, terminal)
	if err != nil {
		return nil, err
	}
	result.Remaining = remaining

	slog.Info("sync pass finished",
		"venue", venue, "terminal", terminal,
		"synced", result.Synced, "failed", result.Failed,
		"conflicts", result.Conflicts, "skipped", result.Skipped,
		"remaining", result.Remaining)
	return result, nil
}

// dependencySatisfied reports whether a declared dependency has completed,
// consulting operations completed earlier in this same pass first.
func (p *SyncProcessor) dependencySatisfied(ctx context.Context, depID string, completed map[string]bool) bool {
	if completed[depID] {
		return true
	}
	dep, err := p.store.GetOperation(ctx, depID)
	if err != nil || dep == nil {
		return false
	}
	return dep.Status == StatusCompleted
}

// applyOne runs a single operation through the applier, persisting the
// in_progress transition before the call and the outcome after it.
// applied is false when the operation was no longer pending.
func (p *SyncProcessor) applyOne(ctx context.Context, op *Operation, applier Applier) (outcome ApplyOutcome, applied bool, err error) {
	attemptAt := time.Now()
	claimed, err := p.store.MarkInProgress(ctx, op, attemptAt)
	if err != nil {
		return ApplyOutcome{}, false, err
	}
	if !claimed {
		return ApplyOutcome{}, false, nil
	}
	op.Attempts++
	op.LastAttemptAt = attemptAt

	outcome = applier.Apply(ctx, op)

	switch outcome.Status {
	case ApplyStatusSuccess:
		err = p.store.CompleteOperation(ctx, op, outcome.ServerID, outcome.Response, time.Now())
	case ApplyStatusConflict:
		err = p.store.RecordConflict(ctx, op, uuid.NewString(), outcome, time.Now())
		slog.Warn("operation conflicted",
			"op_id", op.OpID, "venue", op.VenueID, "terminal", op.TerminalID,
			"conflict_type", outcome.ConflictType)
	default:
		// Anything that is not an explicit success or conflict counts as a
		// transient failure, including zero-valued outcomes from appliers
		// that never set Status.
		msg := outcome.ErrorMessage
		if outcome.Status != ApplyStatusError {
			msg = fmt.Sprintf("applier returned invalid outcome status %d", outcome.Status)
		} else if msg == "" {
			msg = "applier reported an error with no message"
		}
		if op.Attempts >= p.maxAttempts {
			err = p.store.FailOperation(ctx, op, msg)
			slog.Warn("operation reached attempt ceiling",
				"op_id", op.OpID, "venue", op.VenueID, "terminal", op.TerminalID,
				"attempts", op.Attempts, "err", msg)
		} else {
			err = p.store.RequeueOperation(ctx, op, msg)
		}
	}
	if err != nil {
		return ApplyOutcome{}, false, err
	}
	return outcome, true, nil
}
