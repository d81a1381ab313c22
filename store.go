package tillsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SyncStoreConfig configures the SQLite sync store.
type SyncStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// Cipher optionally seals payloads and snapshots at rest.
	Cipher *PayloadCipher
}

// DefaultSyncStoreConfig returns default store configuration.
func DefaultSyncStoreConfig(path string) SyncStoreConfig {
	return SyncStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SyncStore persists the append-only operation log, terminal sync state,
// conflicts, configuration versions and per-terminal sync claims.
// All externally observable status transitions are single atomic writes.
type SyncStore struct {
	db     *sql.DB
	config SyncStoreConfig
	cipher *PayloadCipher
	mu     sync.RWMutex
	closed bool

	// Prepared statements for the hot paths
	selectOpStmt   *sql.Stmt
	pendingStmt    *sql.Stmt
	stateStmt      *sql.Stmt
	activeVerStmt  *sql.Stmt
	claimStmt      *sql.Stmt
	releaseStmt    *sql.Stmt
	pendingCntStmt *sql.Stmt
}

// NewSyncStore opens (creating if necessary) a sync store at the
// configured path.
func NewSyncStore(config SyncStoreConfig) (*SyncStore, error) {
	if config.Path == "" {
		return nil, errors.New("store path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStoreError("open", "failed to open SQLite database", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &SyncStore{
		db:     db,
		config: config,
		cipher: config.Cipher,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError("init", "failed to initialize schema", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, newStoreError("init", "failed to prepare statements", err)
	}
	return s, nil
}

// initSchema creates the database schema.
func (s *SyncStore) initSchema() error {
	schema := `
		-- Append-only operation log. Rows are mutated only by the sync
		-- processor and never deleted.
		CREATE TABLE IF NOT EXISTS operations (
			op_id           TEXT PRIMARY KEY,
			venue           INTEGER NOT NULL,
			terminal        TEXT NOT NULL,
			op_type         TEXT NOT NULL,
			payload         BLOB NOT NULL,
			seq             INTEGER NOT NULL,
			depends_on      TEXT,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			server_id       TEXT,
			server_response BLOB,
			last_error      TEXT,
			created_at      INTEGER NOT NULL,
			synced_at       INTEGER,
			archived_at     INTEGER,
			UNIQUE(venue, terminal, seq)
		);

		-- One row per venue+terminal.
		CREATE TABLE IF NOT EXISTS terminal_state (
			venue          INTEGER NOT NULL,
			terminal       TEXT NOT NULL,
			online         INTEGER NOT NULL DEFAULT 0,
			offline_since  INTEGER,
			pending_ops    INTEGER NOT NULL DEFAULT 0,
			synced_ops     INTEGER NOT NULL DEFAULT 0,
			last_heartbeat INTEGER,
			last_sync      INTEGER,
			config_version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(venue, terminal)
		);

		-- One conflict record per conflicted operation.
		CREATE TABLE IF NOT EXISTS conflicts (
			conflict_id   TEXT PRIMARY KEY,
			op_id         TEXT NOT NULL UNIQUE,
			venue         INTEGER NOT NULL,
			terminal      TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			description   TEXT,
			client_data   BLOB,
			server_data   BLOB,
			resolved      INTEGER NOT NULL DEFAULT 0,
			resolved_by   TEXT,
			resolved_at   INTEGER,
			created_at    INTEGER NOT NULL
		);

		-- Immutable configuration snapshots; at most one active per venue.
		CREATE TABLE IF NOT EXISTS config_versions (
			venue          INTEGER NOT NULL,
			version        INTEGER NOT NULL,
			content_hash   TEXT NOT NULL,
			snapshot       BLOB NOT NULL,
			change_summary TEXT,
			active         INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			archived_at    INTEGER,
			PRIMARY KEY(venue, version)
		);

		-- Advisory per-terminal sync claims.
		CREATE TABLE IF NOT EXISTS sync_claims (
			venue      INTEGER NOT NULL,
			terminal   TEXT NOT NULL,
			claimed_at INTEGER NOT NULL,
			PRIMARY KEY(venue, terminal)
		);

		CREATE INDEX IF NOT EXISTS idx_operations_terminal_status
			ON operations(venue, terminal, status, seq);
		CREATE INDEX IF NOT EXISTS idx_operations_archive
			ON operations(status, archived_at);
		CREATE INDEX IF NOT EXISTS idx_conflicts_venue
			ON conflicts(venue, resolved);
		CREATE INDEX IF NOT EXISTS idx_config_versions_active
			ON config_versions(venue, active);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const operationColumns = `op_id, venue, terminal, op_type, payload, seq, depends_on,
	status, attempts, last_attempt_at, server_id, server_response, last_error,
	created_at, synced_at`

// prepareStatements prepares the hot-path statements.
func (s *SyncStore) prepareStatements() error {
	var err error

	s.selectOpStmt, err = s.db.Prepare(
		`SELECT ` + operationColumns + ` FROM operations WHERE op_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare select operation statement: %w", err)
	}

	s.pendingStmt, err = s.db.Prepare(`
		SELECT ` + operationColumns + ` FROM operations
		WHERE venue = ? AND terminal = ? AND status = ? AND attempts < ?
		ORDER BY seq ASC LIMIT ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare pending batch statement: %w", err)
	}

	s.stateStmt, err = s.db.Prepare(`
		SELECT online, offline_since, pending_ops, synced_ops, last_heartbeat,
			last_sync, config_version
		FROM terminal_state WHERE venue = ? AND terminal = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare terminal state statement: %w", err)
	}

	s.activeVerStmt, err = s.db.Prepare(`
		SELECT venue, version, content_hash, snapshot, change_summary, created_at
		FROM config_versions WHERE venue = ? AND active = 1`)
	if err != nil {
		return fmt.Errorf("failed to prepare active version statement: %w", err)
	}

	s.claimStmt, err = s.db.Prepare(`
		INSERT INTO sync_claims (venue, terminal, claimed_at) VALUES (?, ?, ?)
		ON CONFLICT(venue, terminal) DO UPDATE SET claimed_at = excluded.claimed_at
		WHERE sync_claims.claimed_at <= ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare claim statement: %w", err)
	}

	s.releaseStmt, err = s.db.Prepare(
		`DELETE FROM sync_claims WHERE venue = ? AND terminal = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare release statement: %w", err)
	}

	s.pendingCntStmt, err = s.db.Prepare(`
		SELECT COUNT(*) FROM operations
		WHERE venue = ? AND terminal = ? AND status = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare pending count statement: %w", err)
	}

	return nil
}

// guard returns ErrEngineClosed when the store has been closed.
func (s *SyncStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrEngineClosed
	}
	return nil
}

// Close releases store resources.
func (s *SyncStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.selectOpStmt, s.pendingStmt, s.stateStmt, s.activeVerStmt,
		s.claimStmt, s.releaseStmt, s.pendingCntStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// seal encrypts a blob at rest when a cipher is configured.
func (s *SyncStore) seal(data []byte) ([]byte, error) {
	if s.cipher == nil || data == nil {
		return data, nil
	}
	return s.cipher.Seal(data)
}

// open reverses seal.
func (s *SyncStore) open(data []byte) ([]byte, error) {
	if s.cipher == nil || data == nil {
		return data, nil
	}
	return s.cipher.Open(data)
}

// --- Operation log ---

// InsertOperation appends an operation to the log, allocating the next
// per-terminal sequence number and incrementing the terminal's pending
// count in the same transaction. If an operation with the same id already
// exists, the existing record is returned unchanged and created is false.
func (s *SyncStore) InsertOperation(ctx context.Context, req EnqueueRequest, now time.Time) (op *Operation, created bool, err error) {
	if err := s.guard(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, newStoreError("enqueue", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Idempotent resubmission: the unique op_id constraint is the
	// backstop for races between concurrent enqueues of the same id.
	existing, err := s.scanOperationRow(tx.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE op_id = ?`, req.OpID))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if req.DependsOn != "" {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM operations WHERE op_id = ?`, req.DependsOn).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, false, &EnqueueError{
				Reason:   EnqueueReasonDependency,
				Message:  fmt.Sprintf("depends-on %q does not exist", req.DependsOn),
				Venue:    req.VenueID,
				Terminal: req.TerminalID,
			}
		}
		if err != nil {
			return nil, false, newStoreError("enqueue", "failed to check dependency", err)
		}
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM operations WHERE venue = ? AND terminal = ?`,
		req.VenueID, req.TerminalID).Scan(&seq)
	if err != nil {
		return nil, false, newStoreError("enqueue", "failed to allocate sequence number", err)
	}

	sealed, err := s.seal(req.Payload)
	if err != nil {
		return nil, false, newStoreError("enqueue", "failed to seal payload", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (op_id, venue, terminal, op_type, payload, seq,
			depends_on, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.OpID, req.VenueID, req.TerminalID, req.Type, sealed, seq,
		nullString(req.DependsOn), string(StatusPending), now.UnixNano())
	if err != nil {
		return nil, false, newStoreError("enqueue", "failed to insert operation", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO terminal_state (venue, terminal, pending_ops)
		VALUES (?, ?, 1)
		ON CONFLICT(venue, terminal) DO UPDATE SET pending_ops = pending_ops + 1`,
		req.VenueID, req.TerminalID)
	if err != nil {
		return nil, false, newStoreError("enqueue", "failed to update pending count", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, newStoreError("enqueue", "failed to commit", err)
	}

	return &Operation{
		OpID:       req.OpID,
		VenueID:    req.VenueID,
		TerminalID: req.TerminalID,
		Type:       req.Type,
		Payload:    req.Payload,
		Seq:        seq,
		DependsOn:  req.DependsOn,
		Status:     StatusPending,
		CreatedAt:  now,
	}, true, nil
}

// GetOperation returns the operation with the given id, or nil if absent.
func (s *SyncStore) GetOperation(ctx context.Context, opID string) (*Operation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.scanOperationRow(s.selectOpStmt.QueryRowContext(ctx, opID))
}

// PendingBatch selects up to limit pending operations for a terminal in
// sequence order, skipping any that already reached the attempt ceiling.
func (s *SyncStore) PendingBatch(ctx context.Context, venue int64, terminal string, limit, maxAttempts int) ([]*Operation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.pendingStmt.QueryContext(ctx, venue, terminal, string(StatusPending), maxAttempts, limit)
	if err != nil {
		return nil, newStoreError("select", "failed to select pending batch", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkInProgress atomically moves a pending operation to in_progress,
// incrementing its attempt counter and recording the attempt timestamp.
// The terminal's pending count is decremented in the same transaction so
// it always mirrors the count of pending rows. Returns false if the
// operation was not pending.
func (s *SyncStore) MarkInProgress(ctx context.Context, op *Operation, at time.Time) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, newStoreError("transition", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?
		WHERE op_id = ? AND status = ?`,
		string(StatusInProgress), at.UnixNano(), op.OpID, string(StatusPending))
	if err != nil {
		return false, newStoreError("transition", "failed to mark in progress", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE terminal_state SET pending_ops = pending_ops - 1
		WHERE venue = ? AND terminal = ? AND pending_ops > 0`,
		op.VenueID, op.TerminalID)
	if err != nil {
		return false, newStoreError("transition", "failed to update pending count", err)
	}

	return true, tx.Commit()
}

// RequeueOperation returns a transiently failed operation to pending with
// the error message recorded. The attempt counter is retained.
func (s *SyncStore) RequeueOperation(ctx context.Context, op *Operation, errMsg string) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("transition", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, last_error = ?
		WHERE op_id = ? AND status = ?`,
		string(StatusPending), errMsg, op.OpID, string(StatusInProgress))
	if err != nil {
		return newStoreError("transition", "failed to requeue operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE terminal_state SET pending_ops = pending_ops + 1
		WHERE venue = ? AND terminal = ?`,
		op.VenueID, op.TerminalID)
	if err != nil {
		return newStoreError("transition", "failed to update pending count", err)
	}

	return tx.Commit()
}

// CompleteOperation marks an in-progress operation completed, storing the
// server-assigned id, response and synced timestamp, and incrementing the
// terminal's cumulative synced count.
func (s *SyncStore) CompleteOperation(ctx context.Context, op *Operation, serverID string, response json.RawMessage, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	sealed, err := s.seal(response)
	if err != nil {
		return newStoreError("transition", "failed to seal server response", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("transition", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, server_id = ?, server_response = ?, synced_at = ?, last_error = NULL
		WHERE op_id = ? AND status = ?`,
		string(StatusCompleted), serverID, sealed, at.UnixNano(),
		op.OpID, string(StatusInProgress))
	if err != nil {
		return newStoreError("transition", "failed to mark completed", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE terminal_state SET synced_ops = synced_ops + 1
		WHERE venue = ? AND terminal = ?`,
		op.VenueID, op.TerminalID)
	if err != nil {
		return newStoreError("transition", "failed to update synced count", err)
	}

	return tx.Commit()
}

// FailOperation terminally fails an in-progress operation that reached the
// attempt ceiling. The record stays in the log for manual intervention.
func (s *SyncStore) FailOperation(ctx context.Context, op *Operation, errMsg string) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, last_error = ?
		WHERE op_id = ? AND status = ?`,
		string(StatusFailed), errMsg, op.OpID, string(StatusInProgress))
	if err != nil {
		return newStoreError("transition", "failed to mark failed", err)
	}
	return nil
}

// RecordConflict marks an in-progress operation conflicted and persists
// exactly one conflict record for it. Re-recording the same operation is a
// no-op, so a conflict outcome can never create a second record.
func (s *SyncStore) RecordConflict(ctx context.Context, op *Operation, conflictID string, outcome ApplyOutcome, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	clientData, err := s.seal(op.Payload)
	if err != nil {
		return newStoreError("conflict", "failed to seal client data", err)
	}
	serverData, err := s.seal(outcome.ServerData)
	if err != nil {
		return newStoreError("conflict", "failed to seal server data", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("conflict", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, last_error = ?
		WHERE op_id = ? AND status = ?`,
		string(StatusConflict), outcome.ConflictDescription,
		op.OpID, string(StatusInProgress))
	if err != nil {
		return newStoreError("conflict", "failed to mark conflicted", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conflicts (conflict_id, op_id, venue, terminal,
			conflict_type, description, client_data, server_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conflictID, op.OpID, op.VenueID, op.TerminalID,
		outcome.ConflictType, outcome.ConflictDescription,
		clientData, serverData, at.UnixNano())
	if err != nil {
		return newStoreError("conflict", "failed to insert conflict record", err)
	}

	return tx.Commit()
}

// RecoverInFlight resets operations stranded in_progress by a crashed sync
// pass. Called under the terminal's claim, so any in_progress row belongs
// to a pass that died between the durable transition and its outcome.
// Rows below the attempt ceiling return to pending; the rest are failed.
func (s *SyncStore) RecoverInFlight(ctx context.Context, venue int64, terminal string, maxAttempts int) (requeued, failed int, err error) {
	if err := s.guard(); err != nil {
		return 0, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, newStoreError("recover", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, last_error = 'recovered: interrupted sync pass'
		WHERE venue = ? AND terminal = ? AND status = ? AND attempts < ?`,
		string(StatusPending), venue, terminal, string(StatusInProgress), maxAttempts)
	if err != nil {
		return 0, 0, newStoreError("recover", "failed to requeue interrupted operations", err)
	}
	n, _ := res.RowsAffected()
	requeued = int(n)

	res, err = tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, last_error = 'recovered: attempt ceiling reached'
		WHERE venue = ? AND terminal = ? AND status = ?`,
		string(StatusFailed), venue, terminal, string(StatusInProgress))
	if err != nil {
		return 0, 0, newStoreError("recover", "failed to fail interrupted operations", err)
	}
	n, _ = res.RowsAffected()
	failed = int(n)

	if requeued > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE terminal_state SET pending_ops = pending_ops + ?
			WHERE venue = ? AND terminal = ?`,
			requeued, venue, terminal)
		if err != nil {
			return 0, 0, newStoreError("recover", "failed to update pending count", err)
		}
	}

	return requeued, failed, tx.Commit()
}

// PendingCount returns the number of pending operations for a terminal
// straight from the log.
func (s *SyncStore) PendingCount(ctx context.Context, venue int64, terminal string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int
	err := s.pendingCntStmt.QueryRowContext(ctx, venue, terminal, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, newStoreError("select", "failed to count pending operations", err)
	}
	return n, nil
}

// terminalKey identifies one venue+terminal pair.
type terminalKey struct {
	Venue    int64
	Terminal string
}

// TerminalsWithPending lists terminals that have at least one pending
// operation, for the background scheduler.
func (s *SyncStore) TerminalsWithPending(ctx context.Context) ([]terminalKey, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT venue, terminal FROM operations WHERE status = ?`,
		string(StatusPending))
	if err != nil {
		return nil, newStoreError("select", "failed to list terminals with pending work", err)
	}
	defer rows.Close()

	var keys []terminalKey
	for rows.Next() {
		var k terminalKey
		if err := rows.Scan(&k.Venue, &k.Terminal); err != nil {
			return nil, newStoreError("select", "failed to scan terminal key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Sync claims ---

// AcquireSyncClaim takes the advisory per-terminal claim. A claim older
// than ttl is considered abandoned and taken over. Returns false when the
// claim is currently held by another pass.
func (s *SyncStore) AcquireSyncClaim(ctx context.Context, venue int64, terminal string, ttl time.Duration, now time.Time) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	stale := now.Add(-ttl).UnixNano()
	res, err := s.claimStmt.ExecContext(ctx, venue, terminal, now.UnixNano(), stale)
	if err != nil {
		return false, newStoreError("claim", "failed to acquire sync claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStoreError("claim", "failed to read claim result", err)
	}
	return n > 0, nil
}

// ReleaseSyncClaim releases the advisory claim after a pass finishes.
func (s *SyncStore) ReleaseSyncClaim(ctx context.Context, venue int64, terminal string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.releaseStmt.ExecContext(ctx, venue, terminal); err != nil {
		return newStoreError("claim", "failed to release sync claim", err)
	}
	return nil
}

// --- Terminal state ---

// UpsertHeartbeat records a heartbeat, maintaining the online flag and the
// offline-since transition timestamps.
func (s *SyncStore) UpsertHeartbeat(ctx context.Context, venue int64, terminal string, online bool, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("heartbeat", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var wasOnline bool
	var offlineSince sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT online, offline_since FROM terminal_state WHERE venue = ? AND terminal = ?`,
		venue, terminal).Scan(&wasOnline, &offlineSince)
	switch {
	case err == sql.ErrNoRows:
		// First contact: an offline heartbeat starts the offline clock.
		if !online {
			offlineSince = sql.NullInt64{Int64: at.UnixNano(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO terminal_state (venue, terminal, online, offline_since, last_heartbeat)
			VALUES (?, ?, ?, ?, ?)`,
			venue, terminal, online, offlineSince, at.UnixNano())
		if err != nil {
			return newStoreError("heartbeat", "failed to insert terminal state", err)
		}
		return tx.Commit()
	case err != nil:
		return newStoreError("heartbeat", "failed to read terminal state", err)
	}

	switch {
	case online && !wasOnline:
		offlineSince = sql.NullInt64{}
	case !online && wasOnline:
		offlineSince = sql.NullInt64{Int64: at.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE terminal_state SET online = ?, offline_since = ?, last_heartbeat = ?
		WHERE venue = ? AND terminal = ?`,
		online, offlineSince, at.UnixNano(), venue, terminal)
	if err != nil {
		return newStoreError("heartbeat", "failed to update terminal state", err)
	}

	return tx.Commit()
}

// TerminalStatus is a read-only snapshot of a terminal's sync state.
type TerminalStatus struct {
	VenueID       int64     `json:"venue_id"`
	TerminalID    string    `json:"terminal_id"`
	Online        bool      `json:"online"`
	OfflineSince  time.Time `json:"offline_since,omitempty"`
	PendingOps    int       `json:"pending_ops"`
	SyncedOps     int64     `json:"synced_ops"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	ConfigVersion int64     `json:"config_version"`
}

// TerminalState returns the state row for a terminal. Unknown terminals
// get a zero-valued snapshot; reading never creates rows.
func (s *SyncStore) TerminalState(ctx context.Context, venue int64, terminal string) (*TerminalStatus, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	st := &TerminalStatus{VenueID: venue, TerminalID: terminal}
	var offlineSince, lastHeartbeat, lastSync sql.NullInt64
	err := s.stateStmt.QueryRowContext(ctx, venue, terminal).Scan(
		&st.Online, &offlineSince, &st.PendingOps, &st.SyncedOps,
		&lastHeartbeat, &lastSync, &st.ConfigVersion)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, newStoreError("select", "failed to read terminal state", err)
	}

	st.OfflineSince = nanoTime(offlineSince)
	st.LastHeartbeat = nanoTime(lastHeartbeat)
	st.LastSync = nanoTime(lastSync)
	return st, nil
}

// TouchLastSync refreshes the last-sync timestamp after a pass.
func (s *SyncStore) TouchLastSync(ctx context.Context, venue int64, terminal string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_state (venue, terminal, last_sync) VALUES (?, ?, ?)
		ON CONFLICT(venue, terminal) DO UPDATE SET last_sync = excluded.last_sync`,
		venue, terminal, at.UnixNano())
	if err != nil {
		return newStoreError("sync", "failed to touch last sync", err)
	}
	return nil
}

// SetKnownConfigVersion records the configuration version a terminal
// reported during a staleness check.
func (s *SyncStore) SetKnownConfigVersion(ctx context.Context, venue int64, terminal string, version int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_state (venue, terminal, config_version) VALUES (?, ?, ?)
		ON CONFLICT(venue, terminal) DO UPDATE SET config_version = excluded.config_version`,
		venue, terminal, version)
	if err != nil {
		return newStoreError("config", "failed to record known config version", err)
	}
	return nil
}

// MarkStaleTerminalsOffline flips terminals whose last heartbeat predates
// the cutoff to offline, starting their offline clock at the cutoff.
// Returns how many terminals were flipped.
func (s *SyncStore) MarkStaleTerminalsOffline(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE terminal_state SET online = 0, offline_since = ?
		WHERE online = 1 AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		cutoff.UnixNano(), cutoff.UnixNano())
	if err != nil {
		return 0, newStoreError("heartbeat", "failed to mark stale terminals offline", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

// scanOperation decodes one operation row.
func (s *SyncStore) scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var payload, response []byte
	var dependsOn, serverID, lastError sql.NullString
	var lastAttempt, syncedAt sql.NullInt64
	var createdAt int64
	var status string

	err := row.Scan(&op.OpID, &op.VenueID, &op.TerminalID, &op.Type, &payload,
		&op.Seq, &dependsOn, &status, &op.Attempts, &lastAttempt,
		&serverID, &response, &lastError, &createdAt, &syncedAt)
	if err != nil {
		return nil, newStoreError("select", "failed to scan operation", err)
	}

	if payload, err = s.open(payload); err != nil {
		return nil, newStoreError("select", "failed to open payload", err)
	}
	if response, err = s.open(response); err != nil {
		return nil, newStoreError("select", "failed to open server response", err)
	}

	op.Payload = payload
	op.ServerResponse = response
	op.DependsOn = dependsOn.String
	op.ServerID = serverID.String
	op.LastError = lastError.String
	op.Status = OperationStatus(status)
	op.CreatedAt = time.Unix(0, createdAt)
	op.LastAttemptAt = nanoTime(lastAttempt)
	op.SyncedAt = nanoTime(syncedAt)
	return &op, nil
}

// scanOperationRow is scanOperation with sql.ErrNoRows mapped to nil.
func (s *SyncStore) scanOperationRow(row *sql.Row) (*Operation, error) {
	op, err := s.scanOperation(row)
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) && errors.Is(se.Cause, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return op, nil
}

// encodeSnapshot compresses and optionally seals a config snapshot.
func (s *SyncStore) encodeSnapshot(snapshot []byte) ([]byte, error) {
	return s.seal(snappy.Encode(nil, snapshot))
}

// decodeSnapshot reverses encodeSnapshot.
func (s *SyncStore) decodeSnapshot(stored []byte) ([]byte, error) {
	opened, err := s.open(stored)
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, opened)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nanoTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}
