package presence

import (
	"sort"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
)

// handlePresence applies a presence snapshot: unknown peers are
// discovered, known peers with a newer record are updated. Records from
// the local peer and records older than the stale threshold are ignored.
func (d *Directory) handlePresence(docs []store.Document) {
	now := d.clock.Now()
	var pending []event.Event

	d.mu.Lock()
	for _, doc := range docs {
		var rec ir.PeerPresence
		if err := doc.Decode(&rec); err != nil {
			d.logger.Warn("skipping unreadable presence record", "peer_id", doc.ID, "error", err)
			continue
		}
		if rec.PeerID == "" || rec.PeerID == d.local.PeerID {
			continue
		}
		if now.Sub(rec.LastUpdate) > d.staleAfter {
			continue
		}

		p, known := d.peers[rec.PeerID]
		if !known {
			p = &ir.Peer{
				ID:        rec.PeerID,
				Transport: ir.TransportUnknown,
				Connected: now.Sub(rec.LastUpdate) < d.recentWithin,
			}
			applyPresence(p, rec)
			d.peers[rec.PeerID] = p
			pending = append(pending, event.Event{Kind: event.PeerDiscovered, At: now, Peer: ptr(clonePeer(p))})

			if tp, ok := d.active[rec.PeerID]; ok {
				applyTransport(p, tp)
				if !p.Connected {
					p.Connected = true
					pending = append(pending, event.Event{Kind: event.PeerConnected, At: now, Peer: ptr(clonePeer(p))})
				}
			}
			continue
		}

		if rec.LastUpdate.After(p.LastSeen) {
			applyPresence(p, rec)
			pending = append(pending, event.Event{Kind: event.PeerUpdated, At: now, Peer: ptr(clonePeer(p))})
		}
	}
	d.mu.Unlock()

	d.emit(pending)
}

// handleActivePeers applies a transport snapshot. A listed peer that was
// not connected becomes connected; a connected peer missing from the
// snapshot becomes disconnected. Each edge emits exactly one event.
func (d *Directory) handleActivePeers(peers []ir.TransportPeer) {
	now := d.clock.Now()
	var pending []event.Event

	d.mu.Lock()
	d.active = make(map[string]ir.TransportPeer, len(peers))
	for _, tp := range peers {
		d.active[tp.PeerKey] = tp
	}

	for _, id := range sortedIDs(d.peers) {
		p := d.peers[id]
		tp, listed := d.active[id]
		switch {
		case listed:
			applyTransport(p, tp)
			if !p.Connected {
				p.Connected = true
				pending = append(pending, event.Event{Kind: event.PeerConnected, At: now, Peer: ptr(clonePeer(p))})
			}
		case p.Connected:
			p.Connected = false
			pending = append(pending, event.Event{Kind: event.PeerDisconnected, At: now, Peer: ptr(clonePeer(p))})
		}
	}
	d.mu.Unlock()

	d.emit(pending)
}

func (d *Directory) emit(pending []event.Event) {
	for _, ev := range pending {
		d.logger.Debug("peer event", "kind", ev.Kind, "peer_id", ev.Peer.ID)
		d.events.Emit(ev)
	}
}

func applyPresence(p *ir.Peer, rec ir.PeerPresence) {
	p.Name = rec.DisplayName
	p.DeviceType = rec.DeviceType
	p.Capabilities = append([]string(nil), rec.Capabilities...)
	p.Status = rec.Status
	p.LastSeen = rec.LastUpdate
}

func applyTransport(p *ir.Peer, tp ir.TransportPeer) {
	p.Transport = tp.Transport
	if p.Transport == "" {
		p.Transport = ir.TransportUnknown
	}
	p.SignalQuality = nil
	if tp.SignalQuality != nil {
		q := *tp.SignalQuality
		p.SignalQuality = &q
	}
}

func sortedIDs(peers map[string]*ir.Peer) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func ptr[T any](v T) *T {
	return &v
}
