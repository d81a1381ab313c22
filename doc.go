// Package tillsync provides an offline synchronization engine for
// point-of-service terminals.
//
// Terminals queue operations locally while disconnected; tillsync replays
// them against the authoritative system once connectivity returns,
// preserving per-terminal causal ordering, capturing conflicts for manual
// reconciliation, and distributing content-hashed configuration snapshots
// so terminals can cheaply detect staleness.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	cfg := tillsync.DefaultEngineConfig()
//	cfg.StorePath = "tillsync.db"
//	cfg.OperationTypes = []string{"order.create", "payment.capture"}
//
//	eng, err := tillsync.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Queue an operation on behalf of a terminal:
//
//	op, err := eng.Enqueue(ctx, tillsync.EnqueueRequest{
//	    VenueID:    5,
//	    TerminalID: "register-1",
//	    Type:       "order.create",
//	    Payload:    payload,
//	})
//
// Drain the terminal's queue once it is back online:
//
//	result, err := eng.Sync(ctx, 5, "register-1", applier)
//
// where applier is the caller-supplied capability that applies a single
// operation against the business layer and reports success, conflict, or
// a transient error. The applier must be idempotent per operation id: the
// engine may invoke it more than once for the same logical operation
// across process restarts.
//
// # Features
//
// Durable queueing:
//   - Append-only SQLite operation log; records are never deleted
//   - Globally unique operation ids double as idempotency keys
//   - Strictly increasing per-terminal sequence numbers
//   - Declared causal dependencies enforced without head-of-line blocking
//
// Sync:
//   - Bounded batch passes with a per-terminal advisory claim
//   - Attempt ceiling with operator-visible failures, never silent drops
//   - Conflict capture with client and authoritative snapshots
//
// Configuration distribution:
//   - Monotonic, content-hashed versions per venue
//   - Full-snapshot replacement with no-op detection for identical uploads
//
// Operations:
//   - Heartbeat tracking with online/offline transitions
//   - Prometheus metrics and aggregate engine statistics
//   - Optional S3 audit archiving of settled operations
//   - Optional AES-256-GCM encryption of payloads at rest
package tillsync
