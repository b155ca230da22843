package presence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/testutil"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func setupDirectory(t *testing.T) (*Directory, *testutil.FakeClock, *store.View) {
	t.Helper()
	view := setupTestStore(t).View(ir.DeviceInfo{ID: "peer-a", Name: "Alpha", Platform: "linux"})
	clock := testutil.NewFakeClock(time.Time{})
	d := New(view, WithClock(clock))
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d, clock, view
}

type kindLog struct {
	mu    sync.Mutex
	kinds []event.Kind
}

func record(r *event.Registry) *kindLog {
	l := &kindLog{}
	r.Subscribe(func(ev event.Event) error {
		l.mu.Lock()
		l.kinds = append(l.kinds, ev.Kind)
		l.mu.Unlock()
		return nil
	})
	return l
}

func (l *kindLog) get() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Kind(nil), l.kinds...)
}

func (l *kindLog) count(k event.Kind) int {
	n := 0
	for _, got := range l.get() {
		if got == k {
			n++
		}
	}
	return n
}

func presenceDoc(t *testing.T, p ir.PeerPresence) store.Document {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return store.Document{ID: p.PeerID, Collection: ir.CollectionPeerPresence, Body: body}
}

func remote(id string, lastUpdate time.Time) ir.PeerPresence {
	return ir.PeerPresence{
		PeerID:       id,
		DisplayName:  "peer " + id,
		DeviceType:   "android",
		Capabilities: ir.DefaultCapabilities(),
		Status:       ir.StatusAvailable,
		LastUpdate:   lastUpdate,
	}
}

func TestHandlePresence_DiscoverAndUpdate(t *testing.T) {
	d, clock, _ := setupDirectory(t)
	log := record(d.Events())
	now := clock.Now()

	d.handlePresence([]store.Document{
		presenceDoc(t, remote("peer-b", now)),
		presenceDoc(t, remote("peer-a", now)),
	})

	peers := d.Peers()
	require.Len(t, peers, 1, "the local peer is never listed")
	assert.Equal(t, "peer-b", peers[0].ID)
	assert.True(t, peers[0].Connected, "recently active peers start connected")
	assert.Equal(t, ir.TransportUnknown, peers[0].Transport)

	d.handlePresence([]store.Document{presenceDoc(t, remote("peer-b", now))})
	assert.Equal(t, []event.Kind{event.PeerDiscovered}, log.get(), "unchanged record emits nothing")

	busy := remote("peer-b", now.Add(time.Second))
	busy.Status = ir.StatusBusy
	d.handlePresence([]store.Document{presenceDoc(t, busy)})

	p, ok := d.Peer("peer-b")
	require.True(t, ok)
	assert.Equal(t, ir.StatusBusy, p.Status)
	assert.Equal(t, []event.Kind{event.PeerDiscovered, event.PeerUpdated}, log.get())
}

func TestHandlePresence_InitialConnectivity(t *testing.T) {
	d, clock, _ := setupDirectory(t)
	now := clock.Now()

	d.handlePresence([]store.Document{
		presenceDoc(t, remote("recent", now.Add(-time.Minute))),
		presenceDoc(t, remote("quiet", now.Add(-3*time.Minute))),
		presenceDoc(t, remote("stale", now.Add(-6*time.Minute))),
	})

	recent, ok := d.Peer("recent")
	require.True(t, ok)
	assert.True(t, recent.Connected)

	quiet, ok := d.Peer("quiet")
	require.True(t, ok)
	assert.False(t, quiet.Connected)

	_, ok = d.Peer("stale")
	assert.False(t, ok, "stale records are ignored")
	assert.Equal(t, 1, d.ConnectedCount())
}

func TestHandleActivePeers_EdgesFireOnce(t *testing.T) {
	d, clock, _ := setupDirectory(t)
	log := record(d.Events())

	// Quiet enough to start disconnected.
	d.handlePresence([]store.Document{presenceDoc(t, remote("peer-b", clock.Now().Add(-3*time.Minute)))})

	quality := 70
	snapshot := []ir.TransportPeer{{
		PeerKey:       "peer-b",
		Transport:     ir.TransportShortRange,
		SignalQuality: &quality,
	}}

	d.handleActivePeers(snapshot)
	d.handleActivePeers(snapshot)
	d.handleActivePeers(snapshot)
	assert.Equal(t, 1, log.count(event.PeerConnected))

	p, _ := d.Peer("peer-b")
	assert.True(t, p.Connected)
	assert.Equal(t, ir.TransportShortRange, p.Transport)
	require.NotNil(t, p.SignalQuality)
	assert.Equal(t, 70, *p.SignalQuality)

	d.handleActivePeers(nil)
	d.handleActivePeers(nil)
	assert.Equal(t, 1, log.count(event.PeerDisconnected))
	assert.Empty(t, d.ConnectedPeers())

	d.handleActivePeers(snapshot)
	assert.Equal(t, 2, log.count(event.PeerConnected))
}

func TestHandleActivePeers_BeforeDiscovery(t *testing.T) {
	d, clock, _ := setupDirectory(t)
	log := record(d.Events())

	d.handleActivePeers([]ir.TransportPeer{{PeerKey: "peer-b", Transport: ir.TransportLocalNetwork}})
	assert.Empty(t, d.Peers(), "transport peers without presence are not listed")

	d.handlePresence([]store.Document{presenceDoc(t, remote("peer-b", clock.Now().Add(-3*time.Minute)))})

	p, ok := d.Peer("peer-b")
	require.True(t, ok)
	assert.True(t, p.Connected)
	assert.Equal(t, ir.TransportLocalNetwork, p.Transport)
	assert.Equal(t, []event.Kind{event.PeerDiscovered, event.PeerConnected}, log.get())
}

func TestHeartbeat_RefreshesOwnRecordAndRemovesStalePeers(t *testing.T) {
	view := setupTestStore(t).View(ir.DeviceInfo{ID: "peer-a", Name: "Alpha"})
	clock := testutil.NewFakeClock(time.Time{})
	// Feeds are muted so only the direct handler calls below touch the map.
	d := New(&failingStore{DocumentStore: view, muteFeeds: true}, WithClock(clock))
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)
	log := record(d.Events())

	start := clock.Now()
	require.NoError(t, view.Upsert(ctx, ir.CollectionPeerPresence, "peer-b", remote("peer-b", start)))
	d.handlePresence([]store.Document{presenceDoc(t, remote("peer-b", start))})
	require.Len(t, d.Peers(), 1)

	clock.Advance(30 * time.Second)

	var own ir.PeerPresence
	found, err := view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &own)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, start.Add(30*time.Second), own.LastUpdate.UTC())
	assert.Equal(t, ir.DefaultCapabilities(), own.Capabilities)

	clock.Advance(5 * time.Minute)

	assert.Empty(t, d.Peers())
	assert.Equal(t, 1, log.count(event.PeerRemoved))

	found, err = view.Find(ctx, ir.CollectionPeerPresence, "peer-b", &ir.PeerPresence{})
	require.NoError(t, err)
	assert.False(t, found, "stale presence record is removed")
}

func TestSweep_KeepsRefreshedRecord(t *testing.T) {
	d, clock, view := setupDirectory(t)
	ctx := context.Background()
	start := clock.Now()

	d.handlePresence([]store.Document{presenceDoc(t, remote("peer-b", start))})

	clock.Advance(6 * time.Minute)
	// The peer came back after the directory last saw it.
	require.NoError(t, view.Upsert(ctx, ir.CollectionPeerPresence, "peer-b", remote("peer-b", clock.Now())))

	d.sweep(ctx, clock.Now())
	assert.Empty(t, d.Peers())

	found, err := view.Find(ctx, ir.CollectionPeerPresence, "peer-b", &ir.PeerPresence{})
	require.NoError(t, err)
	assert.True(t, found, "a record refreshed since is left alone")
}

func TestStartStop(t *testing.T) {
	d, _, view := setupDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Start(ctx), "start is idempotent")
	assert.Equal(t, "peer-a", d.LocalID())
	assert.Equal(t, "Alpha", d.LocalName())

	found, err := view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &ir.PeerPresence{})
	require.NoError(t, err)
	assert.True(t, found)

	d.Events().Subscribe(func(event.Event) error { return nil })
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx), "stop is idempotent")
	assert.Equal(t, 0, d.Events().Len())

	found, err = view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &ir.PeerPresence{})
	require.NoError(t, err)
	assert.False(t, found, "own presence removed on stop")
}

func TestUpdateStatusAndLocation(t *testing.T) {
	d, clock, view := setupDirectory(t)
	ctx := context.Background()

	err := d.UpdateStatus(ctx, ir.StatusBusy)
	assert.True(t, IsNotReady(err))

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.UpdateStatus(ctx, ir.StatusAway))
	assert.True(t, IsInvalidStatus(d.UpdateStatus(ctx, "asleep")))

	clock.Advance(time.Second)
	require.NoError(t, d.UpdateLocation(ctx, 40.5, -73.25, 8))

	var own ir.PeerPresence
	_, err = view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &own)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAway, own.Status)
	require.NotNil(t, own.Location)
	assert.Equal(t, 40.5, own.Location.Lat)
	assert.Equal(t, clock.Now(), own.LastUpdate.UTC())
}

// failingStore fails selected operations of a real store.
type failingStore struct {
	store.DocumentStore
	failSubscribe bool
	failObserve   bool
	failUpsert    bool
	muteFeeds     bool
}

func (f *failingStore) Subscribe(c string, fn func([]store.Document)) (func(), error) {
	if f.failSubscribe {
		return nil, errors.New("subscribe refused")
	}
	if f.muteFeeds {
		return func() {}, nil
	}
	return f.DocumentStore.Subscribe(c, fn)
}

func (f *failingStore) ObserveActivePeers(fn func([]ir.TransportPeer)) (func(), error) {
	if f.failObserve {
		return nil, errors.New("observe refused")
	}
	if f.muteFeeds {
		return func() {}, nil
	}
	return f.DocumentStore.ObserveActivePeers(fn)
}

func (f *failingStore) Upsert(ctx context.Context, c, id string, doc any) error {
	if f.failUpsert {
		return errors.New("disk full")
	}
	return f.DocumentStore.Upsert(ctx, c, id, doc)
}

// stopOnFind stops the directory from inside a presence read, the way a
// Stop racing a heartbeat that already fired interleaves.
type stopOnFind struct {
	*failingStore
	dir     *Directory
	armed   bool
	stopErr error
}

func (s *stopOnFind) Find(ctx context.Context, c, id string, out any) (bool, error) {
	if s.armed && c == ir.CollectionPeerPresence {
		s.armed = false
		s.stopErr = s.dir.Stop(ctx)
	}
	return s.failingStore.Find(ctx, c, id, out)
}

func TestStop_HeartbeatInFlightLeavesNoPresence(t *testing.T) {
	view := setupTestStore(t).View(ir.DeviceInfo{ID: "peer-a", Name: "Alpha"})
	clock := testutil.NewFakeClock(time.Time{})
	ctx := context.Background()

	st := &stopOnFind{failingStore: &failingStore{DocumentStore: view, muteFeeds: true}}
	d := New(st, WithClock(clock))
	st.dir = d
	require.NoError(t, d.Start(ctx))

	st.armed = true
	clock.Advance(30 * time.Second)
	require.NoError(t, st.stopErr)

	found, err := view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &ir.PeerPresence{})
	require.NoError(t, err)
	assert.False(t, found, "a heartbeat racing stop does not re-announce")
	assert.Empty(t, clock.Pending(), "the heartbeat is not re-armed")
	assert.True(t, IsNotReady(d.UpdateStatus(ctx, ir.StatusBusy)))

	require.NoError(t, d.Start(ctx), "a stopped directory can start again")
	clock.Advance(30 * time.Second)
	found, err = view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &ir.PeerPresence{})
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, d.Stop(ctx))
}

func TestStart_FailuresTearDown(t *testing.T) {
	ctx := context.Background()
	view := setupTestStore(t).View(ir.DeviceInfo{ID: "peer-a"})

	t.Run("subscribe", func(t *testing.T) {
		d := New(&failingStore{DocumentStore: view, failObserve: true})
		err := d.Start(ctx)
		assert.True(t, IsSubscribeFailed(err))

		found, ferr := view.Find(ctx, ir.CollectionPeerPresence, "peer-a", &ir.PeerPresence{})
		require.NoError(t, ferr)
		assert.False(t, found, "announcement rolled back")
		assert.NoError(t, d.Stop(ctx), "stop after failed start is safe")
	})

	t.Run("persist", func(t *testing.T) {
		d := New(&failingStore{DocumentStore: view, failUpsert: true})
		assert.True(t, IsPersistFailed(d.Start(ctx)))
		assert.NoError(t, d.Stop(ctx))
	})

	t.Run("no store", func(t *testing.T) {
		d := New(nil)
		assert.True(t, IsNotReady(d.Start(ctx)))
		assert.NoError(t, d.Stop(ctx))
	})
}

func TestTwoDirectoriesSeeEachOther(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	a := New(st.View(ir.DeviceInfo{ID: "peer-a", Name: "Alpha"}))
	b := New(st.View(ir.DeviceInfo{ID: "peer-b", Name: "Bravo"}))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop(ctx)
	defer b.Stop(ctx)

	st.PublishActivePeers([]ir.TransportPeer{
		{PeerKey: "peer-a", Transport: ir.TransportLocalNetwork},
		{PeerKey: "peer-b", Transport: ir.TransportLocalNetwork},
	})

	require.Eventually(t, func() bool {
		p, ok := b.Peer("peer-a")
		return ok && p.Connected && p.Transport == ir.TransportLocalNetwork
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p, ok := a.Peer("peer-b")
		return ok && p.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRefresh_WithoutStart(t *testing.T) {
	d, clock, view := setupDirectory(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, view.Upsert(ctx, ir.CollectionPeerPresence, "peer-b", remote("peer-b", now.Add(-time.Minute))))
	require.NoError(t, view.Upsert(ctx, ir.CollectionPeerPresence, "peer-c", remote("peer-c", now.Add(-10*time.Minute))))

	require.NoError(t, d.Refresh(ctx))

	peers := d.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-b", peers[0].ID)
	assert.True(t, peers[0].Connected)

	assert.True(t, IsNotReady(New(nil).Refresh(ctx)))
}
