package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/reconcile"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/testutil"
)

var (
	alpha = ir.DeviceInfo{ID: "peer-a", Name: "Alpha", Platform: "linux"}
	bravo = ir.DeviceInfo{ID: "peer-b", Name: "Bravo", Platform: "linux"}
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// fixedPeers is a PeerCounter with a settable count.
type fixedPeers struct{ n atomic.Int32 }

func peerCount(n int) *fixedPeers {
	p := &fixedPeers{}
	p.n.Store(int32(n))
	return p
}

func (p *fixedPeers) ConnectedCount() int { return int(p.n.Load()) }

// mutedStore hides change feeds so tests drive the handlers directly, and
// optionally fails writes to one collection.
type mutedStore struct {
	store.DocumentStore
	failCollection string
}

func (m *mutedStore) Subscribe(string, func([]store.Document)) (func(), error) {
	return func() {}, nil
}

func (m *mutedStore) ObserveActivePeers(func([]ir.TransportPeer)) (func(), error) {
	return func() {}, nil
}

func (m *mutedStore) Upsert(ctx context.Context, c, id string, doc any) error {
	if c == m.failCollection {
		return errors.New("disk full")
	}
	return m.DocumentStore.Upsert(ctx, c, id, doc)
}

type fixture struct {
	engine *Engine
	clock  *testutil.FakeClock
	view   *store.View
	muted  *mutedStore
	peers  *fixedPeers
	log    *eventLog
}

// setupEngine returns an initialized engine for peer-a with muted feeds and
// a started reconciler.
func setupEngine(t *testing.T) *fixture {
	t.Helper()
	view := setupTestStore(t).View(alpha)
	clock := testutil.NewFakeClock(time.Time{})

	rec := reconcile.New(view, reconcile.WithClock(clock))
	require.NoError(t, rec.Start(context.Background()))
	t.Cleanup(rec.Stop)

	f := &fixture{
		clock: clock,
		view:  view,
		muted: &mutedStore{DocumentStore: view},
		peers: peerCount(1),
	}
	f.engine = New(f.muted, f.peers, rec,
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs("msg")))
	f.log = record(f.engine.Events())
	require.NoError(t, f.engine.Initialize(context.Background()))
	t.Cleanup(f.engine.Shutdown)
	return f
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func record(r *event.Registry) *eventLog {
	l := &eventLog{}
	r.Subscribe(func(ev event.Event) error {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		return nil
	})
	return l
}

func (l *eventLog) kinds() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Kind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) count(k event.Kind) int {
	n := 0
	for _, got := range l.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func (l *eventLog) last(k event.Kind) (event.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == k {
			return l.events[i], true
		}
	}
	return event.Event{}, false
}

func doc(t *testing.T, collection, id string, v any) store.Document {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return store.Document{ID: id, Collection: collection, Body: body}
}

func ackFrom(msgID string, peer ir.DeviceInfo, recipient string, status ir.AckStatus, at time.Time) ir.AckRecord {
	return ir.AckRecord{
		ID:          ir.AckRecordID(msgID, peer.ID),
		MessageID:   msgID,
		RecipientID: recipient,
		Acknowledgement: ir.Acknowledgement{
			PeerID:    peer.ID,
			PeerName:  peer.Name,
			Timestamp: at,
			Status:    status,
		},
	}
}

func remoteChat(id, content string, at time.Time) ir.Message {
	return ir.Message{
		ID:               id,
		SenderID:         bravo.ID,
		SenderName:       bravo.Name,
		Timestamp:        at,
		Type:             ir.MessageChat,
		Content:          content,
		DeliveryStatus:   ir.DeliverySent,
		Acknowledgements: []ir.Acknowledgement{},
		LastAttemptAt:    at,
	}
}

func stored(t *testing.T, v store.DocumentStore, id string) ir.Message {
	t.Helper()
	var m ir.Message
	found, err := v.Find(context.Background(), ir.CollectionMessages, id, &m)
	require.NoError(t, err)
	require.True(t, found, "message %s not stored", id)
	return m
}
