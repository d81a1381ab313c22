package tillsync

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatTracker maintains terminal online/offline state and the
// counters consumed by dashboards.
type HeartbeatTracker struct {
	store   *SyncStore
	timeout time.Duration
	metrics *engineMetrics
}

// newHeartbeatTracker creates a tracker over the given store.
func newHeartbeatTracker(store *SyncStore, timeout time.Duration, metrics *engineMetrics) *HeartbeatTracker {
	return &HeartbeatTracker{store: store, timeout: timeout, metrics: metrics}
}

// RecordHeartbeat upserts the terminal's state row. An offline->online
// transition clears offline-since; an online->offline transition sets it
// to now. Heartbeats never touch the pending or synced counters.
func (h *HeartbeatTracker) RecordHeartbeat(ctx context.Context, venue int64, terminal string, online bool) error {
	if venue <= 0 {
		return ErrInvalidVenue
	}
	if !validTerminalID(terminal) {
		return ErrInvalidTerminal
	}

	if err := h.store.UpsertHeartbeat(ctx, venue, terminal, online, time.Now()); err != nil {
		return err
	}
	h.metrics.heartbeat(venue)
	return nil
}

// GetTerminalStatus returns a read-only snapshot of the terminal's sync
// state: pending count, cumulative synced count, online flag,
// offline-since, last heartbeat/sync, and the configuration version the
// terminal last reported. This is the sole path dashboards consume and it
// never has side effects.
func (h *HeartbeatTracker) GetTerminalStatus(ctx context.Context, venue int64, terminal string) (*TerminalStatus, error) {
	if venue <= 0 {
		return nil, ErrInvalidVenue
	}
	if !validTerminalID(terminal) {
		return nil, ErrInvalidTerminal
	}
	return h.store.TerminalState(ctx, venue, terminal)
}

// sweepStale flips terminals that stopped heartbeating to offline. Driven
// by the engine's background scheduler.
func (h *HeartbeatTracker) sweepStale(ctx context.Context) {
	if h.timeout <= 0 {
		return
	}
	n, err := h.store.MarkStaleTerminalsOffline(ctx, time.Now().Add(-h.timeout))
	if err != nil {
		slog.Error("stale terminal sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("marked stale terminals offline", "count", n)
	}
}
