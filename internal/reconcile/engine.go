// Package reconcile decides whether a logical record is new, a duplicate of
// something already recorded, or in conflict with it, and resolves
// conflicts with a per-data-type strategy.
//
// Records are identified by a deterministic id derived from a normalized
// projection of their content (see Project), and fingerprinted by a hash of
// the raw content. Same id and same hash is a duplicate; same id and a
// different hash is a conflict.
//
// The ledger (sync_records) and the conflict log (sync_conflicts) are local
// to each peer.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/schedule"
	"github.com/roach88/meshsync/internal/store"
)

// Defaults for Engine options.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultCacheTTL      = 10 * time.Minute
)

const sweepTaskKey = "conflict-sweep"

// Outcome is the result of reconciling one record.
type Outcome string

const (
	// OutcomeAccept means the record was new and has been created.
	OutcomeAccept Outcome = "accept"
	// OutcomeReject means the record duplicates an existing one.
	OutcomeReject Outcome = "reject"
	// OutcomeConflict means the record competes with an existing one.
	OutcomeConflict Outcome = "conflict"
)

// Result describes what ProcessIncomingData did.
type Result struct {
	Outcome  Outcome
	RecordID string
	// Record is the ledger entry after processing.
	Record ir.SyncRecord
	// Conflict is set when Outcome is OutcomeConflict.
	Conflict *ir.ConflictRecord
}

// Engine is the reconciliation engine for one peer.
type Engine struct {
	store         store.DocumentStore
	clock         schedule.Clock
	logger        *slog.Logger
	events        *event.Registry
	tasks         *schedule.Arena
	known         *cache.Cache
	sweepInterval time.Duration
	resolver      string
	newID         func() string

	// mu serializes ProcessIncomingData, sweeps and manual resolution.
	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps and the sweep timer.
func WithClock(c schedule.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSweepInterval sets how often pending conflicts are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithCacheTTL sets how long known record ids are cached for IsDuplicate.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Engine) { e.known = cache.New(d, 2*d) }
}

// WithResolverName sets the name recorded as ResolvedBy.
func WithResolverName(name string) Option {
	return func(e *Engine) { e.resolver = name }
}

// WithIDGenerator sets the generator of conflict record ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New creates an engine over st. A nil store yields an engine whose
// operations fail with NOT_READY.
func New(st store.DocumentStore, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		clock:         schedule.SystemClock{},
		logger:        slog.Default(),
		known:         cache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
		sweepInterval: DefaultSweepInterval,
		newID:         func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == "" && st != nil {
		e.resolver = st.LocalDevice().ID
	}
	e.events = event.NewRegistry(e.logger)
	e.tasks = schedule.NewArena(e.clock)
	return e
}

// Events returns the registry reconciliation events are emitted on.
func (e *Engine) Events() *event.Registry {
	return e.events
}

// Start begins the periodic conflict sweep. Calling Start again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store == nil || e.stopped {
		return errNotReady()
	}
	if e.started {
		return nil
	}
	e.started = true

	e.tasks.Every(sweepTaskKey, e.sweepInterval, func() {
		if _, err := e.SweepConflicts(context.Background()); err != nil {
			e.logger.Warn("conflict sweep failed", "error", err)
		}
	})
	e.logger.Debug("reconcile engine started", "sweep_interval", e.sweepInterval)
	return nil
}

// Stop cancels the sweep and clears listeners. Safe to call repeatedly
// or without Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.tasks.CancelAll()
	e.events.Clear()
}

func (e *Engine) ready() error {
	if e.store == nil || e.stopped {
		return errNotReady()
	}
	return nil
}

// GenerateDeterministicID returns the deterministic id of data.
func (e *Engine) GenerateDeterministicID(data ir.Payload, dataType string) (string, error) {
	return GenerateDeterministicID(data, dataType)
}

// IsDuplicate reports whether a sync record already exists for data's
// deterministic id. It never writes.
func (e *Engine) IsDuplicate(ctx context.Context, data ir.Payload, dataType string) (bool, error) {
	e.mu.Lock()
	err := e.ready()
	e.mu.Unlock()
	if err != nil {
		return false, err
	}

	id, err := GenerateDeterministicID(data, dataType)
	if err != nil {
		return false, err
	}
	if _, ok := e.known.Get(id); ok {
		return true, nil
	}

	var rec ir.SyncRecord
	found, err := e.store.Find(ctx, ir.CollectionSyncRecords, id, &rec)
	if err != nil {
		return false, fmt.Errorf("is duplicate: %w", err)
	}
	if found {
		e.known.SetDefault(id, struct{}{})
	}
	return found, nil
}

// ProcessIncomingData reconciles data arriving from source.
//
// A new identity is recorded and accepted. A duplicate merges source into
// the existing record and is rejected. A competing version is logged as a
// conflict and resolved by the data type's strategy; conflicts are an
// outcome, not an error.
func (e *Engine) ProcessIncomingData(ctx context.Context, data ir.Payload, dataType string, source ir.SyncSource) (Result, error) {
	id, err := GenerateDeterministicID(data, dataType)
	if err != nil {
		return Result{}, err
	}
	hash, err := ContentHash(data)
	if err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return Result{}, err
	}

	var rec ir.SyncRecord
	found, err := e.store.Find(ctx, ir.CollectionSyncRecords, id, &rec)
	if err != nil {
		return Result{}, fmt.Errorf("process %s: load record: %w", id, err)
	}

	switch {
	case !found:
		return e.create(ctx, id, hash, data, dataType, source)
	case rec.Hash == hash:
		return e.duplicate(ctx, rec, source)
	default:
		return e.conflict(ctx, rec, hash, data, source)
	}
}

func (e *Engine) create(ctx context.Context, id, hash string, data ir.Payload, dataType string, source ir.SyncSource) (Result, error) {
	now := e.clock.Now()
	rec := ir.SyncRecord{
		ID:        id,
		DataType:  dataType,
		SourceID:  sourceID(source),
		Hash:      hash,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    ir.SyncSynced,
		Sources:   []ir.SyncSource{source},
		Version:   1,
		Data:      data,
	}
	if err := e.store.Upsert(ctx, ir.CollectionSyncRecords, id, rec); err != nil {
		return Result{}, fmt.Errorf("process %s: create record: %w", id, err)
	}
	e.known.SetDefault(id, struct{}{})

	e.logger.Debug("record created", "record_id", id, "data_type", dataType, "source", source.Key())
	e.events.Emit(event.Event{Kind: event.RecordCreated, At: now, Record: &rec})
	return Result{Outcome: OutcomeAccept, RecordID: id, Record: rec}, nil
}

func (e *Engine) duplicate(ctx context.Context, rec ir.SyncRecord, source ir.SyncSource) (Result, error) {
	e.known.SetDefault(rec.ID, struct{}{})
	if rec.AddSource(source) {
		rec.UpdatedAt = e.clock.Now()
		if err := e.store.Upsert(ctx, ir.CollectionSyncRecords, rec.ID, rec); err != nil {
			return Result{}, fmt.Errorf("process %s: merge source: %w", rec.ID, err)
		}
	}
	return Result{Outcome: OutcomeReject, RecordID: rec.ID, Record: rec}, nil
}

func (e *Engine) conflict(ctx context.Context, rec ir.SyncRecord, hash string, data ir.Payload, source ir.SyncSource) (Result, error) {
	now := e.clock.Now()
	c := ir.ConflictRecord{
		ID:                e.newID(),
		OriginalRecordID:  rec.ID,
		DataType:          rec.DataType,
		ConflictingData:   data,
		ConflictingHash:   hash,
		ConflictingSource: source,
		Timestamp:         now,
		Status:            ir.ConflictPending,
	}
	if err := e.store.Upsert(ctx, ir.CollectionSyncConflicts, c.ID, c); err != nil {
		return Result{}, fmt.Errorf("process %s: log conflict: %w", rec.ID, err)
	}

	e.logger.Info("conflict detected",
		"record_id", rec.ID,
		"conflict_id", c.ID,
		"data_type", rec.DataType,
		"source", source.Key())
	e.events.Emit(event.Event{Kind: event.ConflictDetected, At: now, Record: &rec, Conflict: &c})

	resolved, err := e.resolve(ctx, &rec, &c)
	if err != nil {
		// The pending conflict is picked up by the next sweep.
		e.logger.Warn("conflict resolution deferred",
			"record_id", rec.ID,
			"conflict_id", c.ID,
			"error", err)
		return Result{Outcome: OutcomeConflict, RecordID: rec.ID, Record: rec, Conflict: &c}, nil
	}
	if resolved {
		e.events.Emit(event.Event{Kind: event.ConflictResolved, At: e.clock.Now(), Record: &rec, Conflict: &c})
	}
	return Result{Outcome: OutcomeConflict, RecordID: rec.ID, Record: rec, Conflict: &c}, nil
}

// SweepConflicts tries to resolve every pending conflict and returns how
// many were resolved. Manual conflicts stay pending. It is idempotent and
// serialized with ProcessIncomingData.
func (e *Engine) SweepConflicts(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return 0, err
	}

	docs, err := e.store.FindAll(ctx, ir.CollectionSyncConflicts)
	if err != nil {
		return 0, fmt.Errorf("sweep conflicts: %w", err)
	}

	resolvedCount := 0
	for _, doc := range docs {
		var c ir.ConflictRecord
		if err := doc.Decode(&c); err != nil {
			e.logger.Warn("skipping unreadable conflict", "conflict_id", doc.ID, "error", err)
			continue
		}
		if c.Status != ir.ConflictPending {
			continue
		}

		var rec ir.SyncRecord
		found, err := e.store.Find(ctx, ir.CollectionSyncRecords, c.OriginalRecordID, &rec)
		if err != nil {
			return resolvedCount, fmt.Errorf("sweep conflicts: load %s: %w", c.OriginalRecordID, err)
		}
		if !found {
			e.logger.Warn("conflict references missing record",
				"conflict_id", c.ID,
				"record_id", c.OriginalRecordID)
			continue
		}

		resolved, err := e.resolve(ctx, &rec, &c)
		if err != nil {
			e.logger.Warn("conflict resolution failed", "conflict_id", c.ID, "error", err)
			continue
		}
		if resolved {
			resolvedCount++
			e.events.Emit(event.Event{Kind: event.ConflictResolved, At: e.clock.Now(), Record: &rec, Conflict: &c})
		}
	}

	if resolvedCount > 0 {
		e.logger.Debug("conflict sweep resolved conflicts", "resolved", resolvedCount)
	}
	return resolvedCount, nil
}

// Record returns the ledger entry for id.
func (e *Engine) Record(ctx context.Context, id string) (ir.SyncRecord, bool, error) {
	if e.store == nil {
		return ir.SyncRecord{}, false, errNotReady()
	}
	var rec ir.SyncRecord
	found, err := e.store.Find(ctx, ir.CollectionSyncRecords, id, &rec)
	if err != nil {
		return ir.SyncRecord{}, false, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, found, nil
}

// PendingConflicts returns every conflict still awaiting resolution,
// oldest first.
func (e *Engine) PendingConflicts(ctx context.Context) ([]ir.ConflictRecord, error) {
	if e.store == nil {
		return nil, errNotReady()
	}
	docs, err := e.store.FindAll(ctx, ir.CollectionSyncConflicts)
	if err != nil {
		return nil, fmt.Errorf("pending conflicts: %w", err)
	}

	out := []ir.ConflictRecord{}
	for _, doc := range docs {
		var c ir.ConflictRecord
		if err := doc.Decode(&c); err != nil {
			return nil, err
		}
		if c.Status == ir.ConflictPending {
			out = append(out, c)
		}
	}
	return out, nil
}

// ResolveManually settles a pending conflict from outside the engine,
// keeping either the stored version or the incoming one.
func (e *Engine) ResolveManually(ctx context.Context, conflictID string, acceptIncoming bool) (ir.SyncRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return ir.SyncRecord{}, err
	}

	var c ir.ConflictRecord
	found, err := e.store.Find(ctx, ir.CollectionSyncConflicts, conflictID, &c)
	if err != nil {
		return ir.SyncRecord{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}
	if !found || c.Status != ir.ConflictPending {
		return ir.SyncRecord{}, &Error{
			Code:    ErrCodeConflictNotFound,
			Message: fmt.Sprintf("no pending conflict %q", conflictID),
		}
	}

	var rec ir.SyncRecord
	found, err = e.store.Find(ctx, ir.CollectionSyncRecords, c.OriginalRecordID, &rec)
	if err != nil {
		return ir.SyncRecord{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}
	if !found {
		return ir.SyncRecord{}, &Error{
			Code:     ErrCodeConflictNotFound,
			Message:  "conflict references a missing record",
			RecordID: c.OriginalRecordID,
		}
	}

	existing, incoming := versions(rec, &c)
	chosen := existing
	if acceptIncoming {
		chosen = incoming
		rec.Hash = c.ConflictingHash
		rec.Data = c.ConflictingData
		rec.Version++
	}
	rec.AddSource(c.ConflictingSource)
	rec.Status = ir.SyncSynced
	if err := e.commit(ctx, &rec, &c, ir.StrategyManual, []ir.ConflictVersion{existing, incoming}, chosen); err != nil {
		return ir.SyncRecord{}, err
	}

	e.events.Emit(event.Event{Kind: event.ConflictResolved, At: e.clock.Now(), Record: &rec, Conflict: &c})
	return rec, nil
}

func sourceID(s ir.SyncSource) string {
	if s.PeerID != "" {
		return s.PeerID
	}
	return s.ServerID
}
