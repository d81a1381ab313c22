package tillsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SyncConflict records a divergence between a client-submitted operation
// and authoritative server state. Conflicts are never auto-resolved; the
// resolved flag is cleared only by an explicit operator action.
type SyncConflict struct {
	ConflictID  string          `json:"conflict_id"`
	OpID        string          `json:"op_id"`
	VenueID     int64           `json:"venue_id"`
	TerminalID  string          `json:"terminal_id"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	ClientData  json.RawMessage `json:"client_data,omitempty"`
	ServerData  json.RawMessage `json:"server_data,omitempty"`
	Resolved    bool            `json:"resolved"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  time.Time       `json:"resolved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const conflictColumns = `conflict_id, op_id, venue, terminal, conflict_type,
	description, client_data, server_data, resolved, resolved_by, resolved_at,
	created_at`

// ListConflicts returns conflicts for a venue, newest first. When
// unresolvedOnly is set, resolved conflicts are filtered out.
func (s *SyncStore) ListConflicts(ctx context.Context, venue int64, unresolvedOnly bool) ([]*SyncConflict, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE venue = ?`
	if unresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, venue)
	if err != nil {
		return nil, newStoreError("select", "failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// GetConflict returns one conflict by id, or nil if absent.
func (s *SyncStore) GetConflict(ctx context.Context, conflictID string) (*SyncConflict, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE conflict_id = ?`, conflictID)
	c, err := s.scanConflict(row)
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) && errors.Is(se.Cause, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// MarkConflictResolved flags a conflict as resolved by an external actor.
// Returns false when the conflict does not exist.
func (s *SyncStore) MarkConflictResolved(ctx context.Context, conflictID, resolvedBy string, at time.Time) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE conflict_id = ?`,
		resolvedBy, at.UnixNano(), conflictID)
	if err != nil {
		return false, newStoreError("conflict", "failed to mark conflict resolved", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UnresolvedConflictCount counts unresolved conflicts across all venues.
func (s *SyncStore) UnresolvedConflictCount(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n)
	if err != nil {
		return 0, newStoreError("select", "failed to count unresolved conflicts", err)
	}
	return n, nil
}

// scanConflict decodes one conflict row.
func (s *SyncStore) scanConflict(row rowScanner) (*SyncConflict, error) {
	var c SyncConflict
	var description, resolvedBy sql.NullString
	var clientData, serverData []byte
	var resolvedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&c.ConflictID, &c.OpID, &c.VenueID, &c.TerminalID, &c.Type,
		&description, &clientData, &serverData, &c.Resolved, &resolvedBy,
		&resolvedAt, &createdAt)
	if err != nil {
		return nil, newStoreError("select", "failed to scan conflict", err)
	}

	if clientData, err = s.open(clientData); err != nil {
		return nil, newStoreError("select", "failed to open client data", err)
	}
	if serverData, err = s.open(serverData); err != nil {
		return nil, newStoreError("select", "failed to open server data", err)
	}

	c.Description = description.String
	c.ResolvedBy = resolvedBy.String
	c.ClientData = clientData
	c.ServerData = serverData
	c.ResolvedAt = nanoTime(resolvedAt)
	c.CreatedAt = time.Unix(0, createdAt)
	return &c, nil
}
