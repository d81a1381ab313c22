package tillsync

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the Prometheus collectors for engine activity. A nil
// receiver is a no-op, so metrics can be disabled without guards at every
// call site.
type engineMetrics struct {
	enqueued   *prometheus.CounterVec
	synced     *prometheus.CounterVec
	failed     *prometheus.CounterVec
	conflicted *prometheus.CounterVec
	heartbeats *prometheus.CounterVec
	configs    *prometheus.CounterVec
}

// newEngineMetrics builds and registers the engine collectors. reg may be
// nil to use the default registerer.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &engineMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Name:      "operations_enqueued_total",
			Help:      "Operations accepted into the offline queue.",
		}, []string{"venue"}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Name:      "operations_synced_total",
			Help:      "Operations successfully applied by the business layer.",
		}, []string{"venue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Name:      "operations_failed_total",
			Help:      "Transient apply failures, including ceiling-reaching ones.",
		}, []string{"venue"}),
		conflicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Name:      "operations_conflicted_total",
			Help:      "Conflict outcomes recorded for manual reconciliation.",
		}, []string{"venue"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Name:      "heartbeats_total",
			Help:      "Terminal heartbeats received.",
		}, []string{"venue"}),
		configs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Name:      "config_versions_published_total",
			Help:      "Configuration versions published per venue.",
		}, []string{"venue"}),
	}

	reg.MustRegister(m.enqueued, m.synced, m.failed, m.conflicted, m.heartbeats, m.configs)
	return m
}

func venueLabel(venue int64) string {
	return strconv.FormatInt(venue, 10)
}

func (m *engineMetrics) opEnqueued(venue int64) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(venueLabel(venue)).Inc()
}

func (m *engineMetrics) opSynced(venue int64) {
	if m == nil {
		return
	}
	m.synced.WithLabelValues(venueLabel(venue)).Inc()
}

func (m *engineMetrics) opFailed(venue int64) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(venueLabel(venue)).Inc()
}

func (m *engineMetrics) opConflicted(venue int64) {
	if m == nil {
		return
	}
	m.conflicted.WithLabelValues(venueLabel(venue)).Inc()
}

func (m *engineMetrics) heartbeat(venue int64) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(venueLabel(venue)).Inc()
}

func (m *engineMetrics) configPublished(venue int64) {
	if m == nil {
		return
	}
	m.configs.WithLabelValues(venueLabel(venue)).Inc()
}

// EngineStats is an aggregate snapshot of engine activity across all
// venues and terminals.
type EngineStats struct {
	PendingOps          int64 `json:"pending_ops"`
	InProgressOps       int64 `json:"in_progress_ops"`
	CompletedOps        int64 `json:"completed_ops"`
	FailedOps           int64 `json:"failed_ops"`
	ConflictedOps       int64 `json:"conflicted_ops"`
	UnresolvedConflicts int64 `json:"unresolved_conflicts"`
	OnlineTerminals     int64 `json:"online_terminals"`
	TrackedTerminals    int64 `json:"tracked_terminals"`
}

// CollectStats aggregates engine-wide counters from the store.
func (s *SyncStore) CollectStats(ctx context.Context) (*EngineStats, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	stats := &EngineStats{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, newStoreError("stats", "failed to count operations", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, newStoreError("stats", "failed to scan status count", err)
		}
		switch OperationStatus(status) {
		case StatusPending:
			stats.PendingOps = n
		case StatusInProgress:
			stats.InProgressOps = n
		case StatusCompleted:
			stats.CompletedOps = n
		case StatusFailed:
			stats.FailedOps = n
		case StatusConflict:
			stats.ConflictedOps = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("stats", "failed to iterate status counts", err)
	}

	if stats.UnresolvedConflicts, err = s.UnresolvedConflictCount(ctx); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(online), 0) FROM terminal_state`).
		Scan(&stats.TrackedTerminals, &stats.OnlineTerminals)
	if err != nil {
		return nil, newStoreError("stats", "failed to count terminals", err)
	}

	return stats, nil
}
