package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/testutil"
)

var (
	t0 = time.Unix(1700000000, 0).UTC()
	t1 = t0.Add(1 * time.Second)
	t2 = t0.Add(2 * time.Second)
)

func TestProcessIncomingData_AcceptThenReject(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()
	kinds := collect(e.Events())

	data := chatPayload("hello")
	res, err := e.ProcessIncomingData(ctx, data, ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccept, res.Outcome)
	assert.Equal(t, ir.SyncSynced, res.Record.Status)
	assert.Equal(t, 1, res.Record.Version)
	assert.Equal(t, "s1", res.Record.SourceID)

	res, err = e.ProcessIncomingData(ctx, chatPayload("hello"), ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.Len(t, res.Record.Sources, 1, "repeat source is merged idempotently")

	res, err = e.ProcessIncomingData(ctx, chatPayload("hello"), ir.DataTypeMessage, meshSource("s2", t2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, res.Outcome)

	rec, found, err := e.Record(ctx, res.RecordID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, rec.Sources, 2)

	assert.Equal(t, []event.Kind{event.RecordCreated}, *kinds)
}

// editedChat differs from chatPayload(content) only outside the identity
// projection, so it shares the record id with a different content hash.
func editedChat(content, edit string) ir.Payload {
	p := chatPayload(content)
	p["replyTo"] = edit
	return p
}

func TestProcessIncomingData_LastWriteWins(t *testing.T) {
	t.Run("later write replaces", func(t *testing.T) {
		e, _, _ := setupEngine(t)
		ctx := context.Background()
		kinds := collect(e.Events())

		first, err := e.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
		require.NoError(t, err)

		edit := editedChat("hi", "m-9")
		editHash, err := ContentHash(edit)
		require.NoError(t, err)

		res, err := e.ProcessIncomingData(ctx, edit, ir.DataTypeMessage, meshSource("s2", t2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, res.Outcome)
		assert.Equal(t, first.RecordID, res.RecordID)
		assert.Equal(t, editHash, res.Record.Hash)
		assert.Equal(t, 2, res.Record.Version)
		assert.Len(t, res.Record.Sources, 2)
		require.NotNil(t, res.Record.Resolution)
		assert.Equal(t, ir.StrategyLastWriteWins, res.Record.Resolution.Strategy)
		assert.Equal(t, "peer-a", res.Record.Resolution.ResolvedBy)
		assert.Equal(t, editHash, res.Record.Resolution.Chosen.Hash)

		rec, _, err := e.Record(ctx, res.RecordID)
		require.NoError(t, err)
		assert.Equal(t, editHash, rec.Hash, "resolved record is immediately queryable")

		require.NotNil(t, res.Conflict)
		assert.Equal(t, ir.ConflictResolved, res.Conflict.Status)
		assert.Equal(t, []event.Kind{event.RecordCreated, event.ConflictDetected, event.ConflictResolved}, *kinds)
	})

	t.Run("earlier write does not overwrite", func(t *testing.T) {
		e, _, _ := setupEngine(t)
		ctx := context.Background()

		first, err := e.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
		require.NoError(t, err)

		res, err := e.ProcessIncomingData(ctx, editedChat("hi", "m-9"), ir.DataTypeMessage, meshSource("s3", t0))
		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, res.Outcome)
		assert.Equal(t, first.Record.Hash, res.Record.Hash)
		assert.Equal(t, 1, res.Record.Version)
		assert.Len(t, res.Record.Sources, 2, "losing source is still recorded")
	})

	t.Run("location uses last write wins", func(t *testing.T) {
		assert.Equal(t, ir.StrategyLastWriteWins, StrategyFor(ir.DataTypeLocation))
	})
}

func TestProcessIncomingData_MarkerMerge(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	base := ir.Payload{"lat": 40.0, "lon": -73.0, "title": "RP1", "color": "red", "icon": "flag"}
	_, err := e.ProcessIncomingData(ctx, base, ir.DataTypeMarker, meshSource("s1", t1))
	require.NoError(t, err)

	patch := ir.Payload{"lat": 40.0, "lon": -73.0, "title": "RP1", "color": "blue", "icon": nil}
	res, err := e.ProcessIncomingData(ctx, patch, ir.DataTypeMarker, meshSource("s2", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)

	assert.Equal(t, "blue", res.Record.Data.String("color"))
	assert.Equal(t, "flag", res.Record.Data.String("icon"), "null fields do not override")
	assert.Equal(t, 2, res.Record.Version)
	assert.Equal(t, ir.StrategyMerge, res.Record.Resolution.Strategy)

	merged, err := ContentHash(res.Record.Data)
	require.NoError(t, err)
	assert.Equal(t, merged, res.Record.Hash)
}

func TestProcessIncomingData_ManualForOtherTypes(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()
	kinds := collect(e.Events())

	// No dedicated projection, so the id covers the whole payload; force a
	// shared id by reusing it with a different hash through a stored record.
	first := ir.Payload{"name": "photo", "size": 1}
	res, err := e.ProcessIncomingData(ctx, first, "attachment", meshSource("s1", t1))
	require.NoError(t, err)

	rec := res.Record
	rec.Hash = "stale"
	require.NoError(t, e.store.Upsert(ctx, ir.CollectionSyncRecords, rec.ID, rec))

	res, err = e.ProcessIncomingData(ctx, first, "attachment", meshSource("s2", t2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, ir.SyncConflict, res.Record.Status)
	assert.Equal(t, "stale", res.Record.Hash, "manual strategy changes no value")
	assert.Len(t, res.Record.Sources, 2)
	assert.Equal(t, ir.ConflictPending, res.Conflict.Status)

	assert.Equal(t, []event.Kind{event.RecordCreated, event.ConflictDetected}, *kinds)

	pending, err := e.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Conflict.ID, pending[0].ID)

	resolved, err := e.SweepConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved, "sweep leaves manual conflicts pending")

	out, err := e.ResolveManually(ctx, pending[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, ir.SyncSynced, out.Status)
	assert.Equal(t, pending[0].ConflictingHash, out.Hash)
	assert.Equal(t, ir.StrategyManual, out.Resolution.Strategy)

	_, err = e.ResolveManually(ctx, pending[0].ID, true)
	assert.True(t, IsConflictNotFound(err))

	pending, err = e.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweepConflicts_ResolvesInterruptedConflict(t *testing.T) {
	e, _, view := setupEngine(t)
	ctx := context.Background()

	first, err := e.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)

	edit := editedChat("hi", "m-9")
	editHash, err := ContentHash(edit)
	require.NoError(t, err)

	// A conflict logged but never resolved, as after a crash.
	require.NoError(t, view.Upsert(ctx, ir.CollectionSyncConflicts, "c-1", ir.ConflictRecord{
		ID:                "c-1",
		OriginalRecordID:  first.RecordID,
		DataType:          ir.DataTypeMessage,
		ConflictingData:   edit,
		ConflictingHash:   editHash,
		ConflictingSource: meshSource("s2", t2),
		Timestamp:         t2,
		Status:            ir.ConflictPending,
	}))

	kinds := collect(e.Events())
	resolved, err := e.SweepConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, []event.Kind{event.ConflictResolved}, *kinds)

	rec, _, err := e.Record(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, editHash, rec.Hash)
	assert.Equal(t, 2, rec.Version)

	resolved, err = e.SweepConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved, "sweep is idempotent")

	rec, _, err = e.Record(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
}

func TestStart_RunsPeriodicSweep(t *testing.T) {
	view := setupTestStore(t)
	clock := testutil.NewFakeClock(time.Time{})
	e := New(view, WithClock(clock), WithSweepInterval(10*time.Second))
	defer e.Stop()
	ctx := context.Background()

	first, err := e.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)
	edit := editedChat("hi", "m-9")
	editHash, err := ContentHash(edit)
	require.NoError(t, err)
	require.NoError(t, view.Upsert(ctx, ir.CollectionSyncConflicts, "c-1", ir.ConflictRecord{
		ID:                "c-1",
		OriginalRecordID:  first.RecordID,
		DataType:          ir.DataTypeMessage,
		ConflictingData:   edit,
		ConflictingHash:   editHash,
		ConflictingSource: meshSource("s2", t2),
		Status:            ir.ConflictPending,
	}))

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx), "start is idempotent")

	clock.Advance(10 * time.Second)

	pending, err := e.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIsDuplicate(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	dup, err := e.IsDuplicate(ctx, chatPayload("hi"), ir.DataTypeMessage)
	require.NoError(t, err)
	assert.False(t, dup)

	_, err = e.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)

	dup, err = e.IsDuplicate(ctx, chatPayload("hi"), ir.DataTypeMessage)
	require.NoError(t, err)
	assert.True(t, dup)

	// A fresh engine over the same ledger finds the record without its cache.
	other := New(e.store)
	dup, err = other.IsDuplicate(ctx, chatPayload("hi"), ir.DataTypeMessage)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestNotReady(t *testing.T) {
	ctx := context.Background()

	e := New(nil)
	_, err := e.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	assert.True(t, IsNotReady(err))
	_, err = e.IsDuplicate(ctx, chatPayload("hi"), ir.DataTypeMessage)
	assert.True(t, IsNotReady(err))
	assert.True(t, IsNotReady(e.Start(ctx)))

	stopped, _, _ := setupEngine(t)
	stopped.Stop()
	stopped.Stop()
	_, err = stopped.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	assert.True(t, IsNotReady(err))
}

func TestLedgerIsPeerLocal(t *testing.T) {
	a, _, view := setupEngine(t)
	ctx := context.Background()

	bView := view.Store().View(ir.DeviceInfo{ID: "peer-b"})
	b := New(bView)
	defer b.Stop()

	res, err := a.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccept, res.Outcome)

	res, err = b.ProcessIncomingData(ctx, chatPayload("hi"), ir.DataTypeMessage, meshSource("s1", t1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccept, res.Outcome, "each peer keeps its own ledger")
}
