package store

import (
	"context"

	"github.com/roach88/meshsync/internal/ir"
)

// View is a DocumentStore bound to one local device of a shared Store.
//
// Peer-local collections are stored under "<collection>@<device id>", so each
// device keeps its own reconciliation ledger. Every other collection is
// shared with all views, as replication would make it.
type View struct {
	store  *Store
	device ir.DeviceInfo
}

var _ DocumentStore = (*View)(nil)
var _ DocumentStore = (*Store)(nil)

// IsPeerLocal reports whether collection is private to each device.
func IsPeerLocal(collection string) bool {
	switch collection {
	case ir.CollectionSyncRecords, ir.CollectionSyncConflicts:
		return true
	}
	return false
}

func (v *View) physical(collection string) string {
	if IsPeerLocal(collection) {
		return collection + "@" + v.device.ID
	}
	return collection
}

// Store returns the shared store behind the view.
func (v *View) Store() *Store {
	return v.store
}

// LocalDevice returns the device the view is bound to.
func (v *View) LocalDevice() ir.DeviceInfo {
	return v.device
}

func (v *View) Upsert(ctx context.Context, collection, id string, doc any) error {
	return v.store.Upsert(ctx, v.physical(collection), id, doc)
}

func (v *View) Find(ctx context.Context, collection, id string, out any) (bool, error) {
	return v.store.Find(ctx, v.physical(collection), id, out)
}

// Get returns the raw document, or ErrNotFound.
func (v *View) Get(ctx context.Context, collection, id string) (Document, error) {
	doc, err := v.store.Get(ctx, v.physical(collection), id)
	doc.Collection = collection
	return doc, err
}

func (v *View) FindAll(ctx context.Context, collection string) ([]Document, error) {
	docs, err := v.store.FindAll(ctx, v.physical(collection))
	for i := range docs {
		docs[i].Collection = collection
	}
	return docs, err
}

func (v *View) Remove(ctx context.Context, collection, id string) error {
	return v.store.Remove(ctx, v.physical(collection), id)
}

func (v *View) Subscribe(collection string, fn func([]Document)) (func(), error) {
	return v.store.Subscribe(v.physical(collection), func(docs []Document) {
		for i := range docs {
			docs[i].Collection = collection
		}
		fn(docs)
	})
}

// ObserveActivePeers delivers the shared snapshot minus the view's own
// device.
func (v *View) ObserveActivePeers(fn func([]ir.TransportPeer)) (func(), error) {
	return v.store.ObserveActivePeers(func(peers []ir.TransportPeer) {
		out := make([]ir.TransportPeer, 0, len(peers))
		for _, p := range peers {
			if p.PeerKey != v.device.ID {
				out = append(out, p)
			}
		}
		fn(out)
	})
}
