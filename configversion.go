package tillsync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConfigVersion is an immutable, content-hashed snapshot of shared
// configuration (menu content and the like) for one venue. Versions are
// monotonic per venue; at most one is active; older versions are retained
// for audit and diffing, never mutated.
type ConfigVersion struct {
	VenueID       int64           `json:"venue_id"`
	Version       int64           `json:"version"`
	ContentHash   string          `json:"content_hash"`
	Snapshot      json.RawMessage `json:"snapshot"`
	ChangeSummary string          `json:"change_summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ConfigUpdate is the answer to a terminal's staleness check.
type ConfigUpdate struct {
	NeedsUpdate   bool            `json:"needs_update"`
	Version       int64           `json:"version,omitempty"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	ChangeSummary string          `json:"change_summary,omitempty"`
}

// ConfigDistributor issues and compares content-hashed configuration
// snapshots. Full-snapshot replacement is used instead of incremental
// patches: snapshots are small and infrequent, and replacement is robust
// against missed intermediate versions.
type ConfigDistributor struct {
	store   *SyncStore
	metrics *engineMetrics
}

// newConfigDistributor creates a distributor over the given store.
func newConfigDistributor(store *SyncStore, metrics *engineMetrics) *ConfigDistributor {
	return &ConfigDistributor{store: store, metrics: metrics}
}

// CreateVersion publishes a configuration snapshot for a venue.
//
// The snapshot is hashed over its canonical JSON form; if the hash matches
// the currently active version the upload is a no-op and the active
// version is returned unchanged, so re-publishing identical content never
// advances the version number. A genuinely changed snapshot gets version
// previous-max + 1 and becomes active; the prior version is retained.
func (d *ConfigDistributor) CreateVersion(ctx context.Context, venue int64, snapshot json.RawMessage, changeSummary string) (*ConfigVersion, error) {
	if venue <= 0 {
		return nil, ErrInvalidVenue
	}

	hash, err := contentHash(snapshot)
	if err != nil {
		return nil, fmt.Errorf("hash snapshot: %w", err)
	}

	cv, created, err := d.store.InsertConfigVersion(ctx, venue, snapshot, hash, changeSummary, time.Now())
	if err != nil {
		return nil, err
	}
	if created {
		d.metrics.configPublished(venue)
		slog.Info("configuration version published",
			"venue", venue, "version", cv.Version, "hash", cv.ContentHash)
	}
	return cv, nil
}

// CheckUpdate answers a terminal's staleness check. A reported version at
// or above the active one needs no update; otherwise the full active
// snapshot is returned. When terminal is non-empty the reported version is
// recorded on the terminal's state row.
func (d *ConfigDistributor) CheckUpdate(ctx context.Context, venue int64, terminal string, reportedVersion int64) (*ConfigUpdate, error) {
	if venue <= 0 {
		return nil, ErrInvalidVenue
	}

	if terminal != "" && validTerminalID(terminal) {
		if err := d.store.SetKnownConfigVersion(ctx, venue, terminal, reportedVersion); err != nil {
			return nil, err
		}
	}

	active, err := d.store.ActiveConfigVersion(ctx, venue)
	if err != nil {
		return nil, err
	}
	if active == nil || reportedVersion >= active.Version {
		return &ConfigUpdate{NeedsUpdate: false}, nil
	}

	return &ConfigUpdate{
		NeedsUpdate:   true,
		Version:       active.Version,
		Snapshot:      active.Snapshot,
		ChangeSummary: active.ChangeSummary,
	}, nil
}

// contentHash computes a hex sha256 over the canonical form of a JSON
// snapshot. Decoding and re-encoding normalizes key order and whitespace
// so byte-different but semantically identical uploads hash the same.
func contentHash(snapshot json.RawMessage) (string, error) {
	var decoded any
	if err := json.Unmarshal(snapshot, &decoded); err != nil {
		return "", fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// --- Store methods ---

// InsertConfigVersion allocates and activates the next version for a
// venue unless the active version already carries the same content hash,
// in which case the active version is returned with created=false.
func (s *SyncStore) InsertConfigVersion(ctx context.Context, venue int64, snapshot json.RawMessage, hash, changeSummary string, now time.Time) (cv *ConfigVersion, created bool, err error) {
	if err := s.guard(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, newStoreError("config", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	active, err := s.scanConfigVersionRow(tx.QueryRowContext(ctx, `
		SELECT venue, version, content_hash, snapshot, change_summary, created_at
		FROM config_versions WHERE venue = ? AND active = 1`, venue))
	if err != nil {
		return nil, false, err
	}
	if active != nil && active.ContentHash == hash {
		return active, false, nil
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM config_versions WHERE venue = ?`,
		venue).Scan(&next)
	if err != nil {
		return nil, false, newStoreError("config", "failed to allocate version number", err)
	}

	stored, err := s.encodeSnapshot(snapshot)
	if err != nil {
		return nil, false, newStoreError("config", "failed to encode snapshot", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE config_versions SET active = 0 WHERE venue = ? AND active = 1`, venue)
	if err != nil {
		return nil, false, newStoreError("config", "failed to retire active version", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_versions (venue, version, content_hash, snapshot,
			change_summary, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		venue, next, hash, stored, nullString(changeSummary), now.UnixNano())
	if err != nil {
		return nil, false, newStoreError("config", "failed to insert version", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, newStoreError("config", "failed to commit", err)
	}

	return &ConfigVersion{
		VenueID:       venue,
		Version:       next,
		ContentHash:   hash,
		Snapshot:      snapshot,
		ChangeSummary: changeSummary,
		CreatedAt:     now,
	}, true, nil
}

// ActiveConfigVersion returns the venue's active configuration version,
// or nil when none has been published.
func (s *SyncStore) ActiveConfigVersion(ctx context.Context, venue int64) (*ConfigVersion, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.scanConfigVersionRow(s.activeVerStmt.QueryRowContext(ctx, venue))
}

// scanConfigVersionRow decodes one config version row, mapping
// sql.ErrNoRows to nil.
func (s *SyncStore) scanConfigVersionRow(row *sql.Row) (*ConfigVersion, error) {
	var cv ConfigVersion
	var stored []byte
	var summary sql.NullString
	var createdAt int64

	err := row.Scan(&cv.VenueID, &cv.Version, &cv.ContentHash, &stored,
		&summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError("select", "failed to scan config version", err)
	}

	snapshot, err := s.decodeSnapshot(stored)
	if err != nil {
		return nil, newStoreError("select", "failed to decode snapshot", err)
	}

	cv.Snapshot = snapshot
	cv.ChangeSummary = summary.String
	cv.CreatedAt = time.Unix(0, createdAt)
	return &cv, nil
}
