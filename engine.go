package tillsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Engine is the terminal offline synchronization engine. It owns the
// durable store and exposes the queue, sync, configuration distribution
// and heartbeat surfaces consumed by the request-handling layer.
type Engine struct {
	config     EngineConfig
	store      *SyncStore
	queue      *QueueManager
	processor  *SyncProcessor
	distrib    *ConfigDistributor
	heartbeats *HeartbeatTracker
	archiver   *AuditArchiver
	metrics    *engineMetrics

	// applier is the default capability used by the background scheduler.
	applier Applier

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine from the given configuration.
func New(cfg EngineConfig) (*Engine, error) {
	cfg.backfill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cipher, err := openPayloadCipher(cfg)
	if err != nil {
		return nil, err
	}

	storeCfg := DefaultSyncStoreConfig(cfg.StorePath)
	storeCfg.Cipher = cipher
	store, err := NewSyncStore(storeCfg)
	if err != nil {
		return nil, err
	}

	var metrics *engineMetrics
	if cfg.MetricsEnabled {
		metrics = newEngineMetrics(nil)
	}

	opTypes := make(map[string]bool, len(cfg.OperationTypes))
	for _, t := range cfg.OperationTypes {
		opTypes[t] = true
	}

	e := &Engine{
		config:     cfg,
		store:      store,
		queue:      newQueueManager(store, opTypes, metrics),
		processor:  newSyncProcessor(store, cfg.SyncBatchSize, cfg.MaxSyncAttempts, cfg.ClaimTTL, metrics),
		distrib:    newConfigDistributor(store, metrics),
		heartbeats: newHeartbeatTracker(store, cfg.HeartbeatTimeout, metrics),
		metrics:    metrics,
	}

	if cfg.Archive.Enabled {
		archiver, err := newAuditArchiver(store, nil, cfg.Archive)
		if err != nil {
			store.Close()
			return nil, err
		}
		e.archiver = archiver
	}

	return e, nil
}

// SetApplier registers the default apply capability used by the
// background scheduler. Request-triggered Sync calls may still pass their
// own applier.
func (e *Engine) SetApplier(a Applier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applier = a
}

// Enqueue queues an operation on behalf of a terminal. When the engine is
// disabled this is a silent no-op returning (nil, nil).
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*Operation, error) {
	if !e.config.Enabled {
		return nil, nil
	}
	return e.queue.Enqueue(ctx, req)
}

// Sync runs one batch pass for a terminal using the supplied applier.
// When the engine is disabled the result is empty.
func (e *Engine) Sync(ctx context.Context, venue int64, terminal string, applier Applier) (*SyncResult, error) {
	if !e.config.Enabled {
		return &SyncResult{}, nil
	}
	return e.processor.Sync(ctx, venue, terminal, applier)
}

// GetOperation returns one operation from the log, or nil if absent.
func (e *Engine) GetOperation(ctx context.Context, opID string) (*Operation, error) {
	return e.store.GetOperation(ctx, opID)
}

// CreateConfigVersion publishes a configuration snapshot for a venue.
func (e *Engine) CreateConfigVersion(ctx context.Context, venue int64, snapshot json.RawMessage, changeSummary string) (*ConfigVersion, error) {
	return e.distrib.CreateVersion(ctx, venue, snapshot, changeSummary)
}

// CheckConfigUpdate answers a terminal's configuration staleness check.
func (e *Engine) CheckConfigUpdate(ctx context.Context, venue int64, terminal string, reportedVersion int64) (*ConfigUpdate, error) {
	if !e.config.Enabled {
		return &ConfigUpdate{NeedsUpdate: false}, nil
	}
	return e.distrib.CheckUpdate(ctx, venue, terminal, reportedVersion)
}

// RecordHeartbeat records a terminal's online/offline heartbeat. When the
// engine is disabled this is a silent no-op.
func (e *Engine) RecordHeartbeat(ctx context.Context, venue int64, terminal string, online bool) error {
	if !e.config.Enabled {
		return nil
	}
	return e.heartbeats.RecordHeartbeat(ctx, venue, terminal, online)
}

// GetTerminalStatus returns a read-only snapshot of a terminal's sync
// state. Never has side effects.
func (e *Engine) GetTerminalStatus(ctx context.Context, venue int64, terminal string) (*TerminalStatus, error) {
	return e.heartbeats.GetTerminalStatus(ctx, venue, terminal)
}

// ListConflicts lists a venue's sync conflicts.
func (e *Engine) ListConflicts(ctx context.Context, venue int64, unresolvedOnly bool) ([]*SyncConflict, error) {
	return e.store.ListConflicts(ctx, venue, unresolvedOnly)
}

// ResolveConflict marks a conflict resolved on behalf of an external,
// human-gated action. The engine never resolves conflicts on its own.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, resolvedBy string) error {
	ok, err := e.store.MarkConflictResolved(ctx, conflictID, resolvedBy, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflictNotFound
	}
	return nil
}

// Stats returns an aggregate snapshot of engine activity.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	return e.store.CollectStats(ctx)
}

// Start launches the background scheduler: periodic sync passes over
// terminals with pending work (using the registered applier), the stale
// heartbeat sweep, and archive passes when archiving is enabled.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running || e.closed || !e.config.Enabled {
		e.mu.Unlock()
		return
	}
	// A fresh context per Start so the scheduler can be stopped and
	// started again.
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runScheduledPass(ctx)
			}
		}
	}()

	if e.archiver != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.archiver.config.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, _, err := e.archiver.RunOnce(ctx); err != nil {
						slog.Error("audit archive pass failed", "err", err)
					}
				}
			}
		}()
	}
}

// runScheduledPass sweeps stale heartbeats and syncs every terminal with
// pending work.
func (e *Engine) runScheduledPass(ctx context.Context) {
	e.heartbeats.sweepStale(ctx)

	e.mu.Lock()
	applier := e.applier
	e.mu.Unlock()
	if applier == nil {
		return
	}

	keys, err := e.store.TerminalsWithPending(ctx)
	if err != nil {
		slog.Error("scheduled sync pass failed to list terminals", "err", err)
		return
	}
	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.processor.Sync(ctx, k.Venue, k.Terminal, applier); err != nil {
			if err == ErrSyncInProgress {
				continue
			}
			slog.Error("scheduled sync pass failed",
				"venue", k.Venue, "terminal", k.Terminal, "err", err)
		}
	}
}

// Stop halts the background scheduler. The engine remains usable for
// request-triggered calls, and Start may be called again, until Close.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// Close stops the scheduler and releases the store.
func (e *Engine) Close() error {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.store.Close()
}
