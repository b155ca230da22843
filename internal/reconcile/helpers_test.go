package reconcile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/testutil"
)

// setupTestStore opens a store in a temp dir and returns a view for peer-a.
func setupTestStore(t *testing.T) *store.View {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st.View(ir.DeviceInfo{ID: "peer-a", Name: "Alpha"})
}

func setupEngine(t *testing.T) (*Engine, *testutil.FakeClock, *store.View) {
	t.Helper()
	view := setupTestStore(t)
	clock := testutil.NewFakeClock(time.Time{})
	ids := testutil.NewSequentialIDs("conflict")
	e := New(view, WithClock(clock), WithIDGenerator(ids.NewID))
	t.Cleanup(e.Stop)
	return e, clock, view
}

// collect records every event kind emitted on r.
func collect(r *event.Registry) *[]event.Kind {
	var kinds []event.Kind
	r.Subscribe(func(ev event.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})
	return &kinds
}

func meshSource(peer string, ts time.Time) ir.SyncSource {
	return ir.SyncSource{Origin: ir.OriginMesh, PeerID: peer, Timestamp: ts, Version: 1}
}

func chatPayload(content string) ir.Payload {
	return ir.Payload{
		"content":   content,
		"type":      "chat",
		"senderId":  "peer-a",
		"timestamp": int64(1700000000),
	}
}
