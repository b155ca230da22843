// Package presence maintains the local view of which peers exist and which
// are currently reachable, and broadcasts this device's own presence.
//
// Peers move through Unknown → Discovered → Connected ⇄ Disconnected →
// Removed. Discovery and removal are driven by presence records in the
// store; connectivity is driven by the transport-level active-peer feed.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/schedule"
	"github.com/roach88/meshsync/internal/store"
)

// Defaults for Directory options.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 5 * time.Minute
	DefaultRecentWithin      = 2 * time.Minute
)

const heartbeatTaskKey = "presence-heartbeat"

// Directory is the peer presence directory of one device.
type Directory struct {
	store        store.DocumentStore
	clock        schedule.Clock
	logger       *slog.Logger
	events       *event.Registry
	tasks        *schedule.Arena
	heartbeat    time.Duration
	staleAfter   time.Duration
	recentWithin time.Duration

	// life serializes Start and Stop.
	life      sync.Mutex
	started   bool
	announced bool
	cancels   []func()

	// beat orders writes of the own record against teardown; live is false
	// once teardown has begun, so no write lands after the record is removed.
	beat sync.Mutex
	live bool

	mu     sync.Mutex
	local  ir.PeerPresence
	peers  map[string]*ir.Peer
	active map[string]ir.TransportPeer
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock sets the clock for timestamps and the heartbeat timer.
func WithClock(c schedule.Clock) Option {
	return func(d *Directory) { d.clock = c }
}

// WithLogger sets the directory logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// WithHeartbeatInterval sets how often the own record is refreshed and
// stale peers are swept.
func WithHeartbeatInterval(i time.Duration) Option {
	return func(d *Directory) { d.heartbeat = i }
}

// WithStaleAfter sets how long a peer may go without a presence update
// before it is removed.
func WithStaleAfter(i time.Duration) Option {
	return func(d *Directory) { d.staleAfter = i }
}

// WithRecentWithin sets the presence age under which a newly discovered
// peer starts out connected.
func WithRecentWithin(i time.Duration) Option {
	return func(d *Directory) { d.recentWithin = i }
}

// New creates a directory over st. It does nothing until Start.
func New(st store.DocumentStore, opts ...Option) *Directory {
	d := &Directory{
		store:        st,
		clock:        schedule.SystemClock{},
		logger:       slog.Default(),
		heartbeat:    DefaultHeartbeatInterval,
		staleAfter:   DefaultStaleAfter,
		recentWithin: DefaultRecentWithin,
		peers:        make(map[string]*ir.Peer),
		active:       make(map[string]ir.TransportPeer),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.events = event.NewRegistry(d.logger)
	d.tasks = schedule.NewArena(d.clock)

	if st != nil {
		dev := st.LocalDevice()
		d.local = ir.PeerPresence{
			PeerID:       dev.ID,
			DisplayName:  dev.Name,
			DeviceType:   dev.Platform,
			Capabilities: ir.DefaultCapabilities(),
			Status:       ir.StatusAvailable,
		}
	}
	return d
}

// Events returns the registry peer events are emitted on.
func (d *Directory) Events() *event.Registry {
	return d.events
}

// Start announces the local peer, subscribes to presence records and the
// active-peer feed, and starts the heartbeat. Calling Start on a running
// directory is a no-op. On failure everything already set up is torn
// down and the error is returned.
func (d *Directory) Start(ctx context.Context) error {
	d.life.Lock()
	defer d.life.Unlock()

	if d.store == nil {
		return &Error{Code: ErrCodeNotReady, Message: "presence directory has no store"}
	}
	if d.started {
		return nil
	}
	d.tasks.Open()
	d.setLive(true)

	d.mu.Lock()
	d.local.LastUpdate = d.clock.Now()
	own := d.local
	d.mu.Unlock()

	if err := d.store.Upsert(ctx, ir.CollectionPeerPresence, own.PeerID, own); err != nil {
		return &Error{Code: ErrCodePersistFailed, Message: "announce local presence", Err: err}
	}
	d.announced = true

	cancel, err := d.store.Subscribe(ir.CollectionPeerPresence, d.handlePresence)
	if err != nil {
		d.teardown(ctx)
		return &Error{Code: ErrCodeSubscribeFailed, Message: "subscribe to peer presence", Err: err}
	}
	d.cancels = append(d.cancels, cancel)

	cancel, err = d.store.ObserveActivePeers(d.handleActivePeers)
	if err != nil {
		d.teardown(ctx)
		return &Error{Code: ErrCodeSubscribeFailed, Message: "observe active peers", Err: err}
	}
	d.cancels = append(d.cancels, cancel)

	d.tasks.Every(heartbeatTaskKey, d.heartbeat, func() {
		d.Heartbeat(context.Background())
	})
	d.started = true

	d.logger.Info("presence directory started",
		"peer_id", own.PeerID,
		"heartbeat", d.heartbeat)
	return nil
}

// Stop cancels subscriptions, cancels the heartbeat, removes the own
// presence record and clears listeners. It is safe to call repeatedly and
// after a failed Start. Only a failure to remove the presence record is
// returned; the rest of the teardown still happens.
func (d *Directory) Stop(ctx context.Context) error {
	d.life.Lock()
	defer d.life.Unlock()

	err := d.teardown(ctx)
	d.events.Clear()
	return err
}

// teardown must be called with d.life held.
func (d *Directory) teardown(ctx context.Context) error {
	d.setLive(false)
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = nil
	d.tasks.Close()
	d.started = false

	var err error
	if d.announced {
		if rmErr := d.store.Remove(ctx, ir.CollectionPeerPresence, d.LocalID()); rmErr != nil {
			err = &Error{Code: ErrCodePersistFailed, Message: "remove local presence", Err: rmErr}
			d.logger.Warn("failed to remove local presence", "error", rmErr)
		} else {
			d.announced = false
		}
	}

	d.mu.Lock()
	d.peers = make(map[string]*ir.Peer)
	d.active = make(map[string]ir.TransportPeer)
	d.mu.Unlock()
	return err
}

// UpdateStatus publishes a new local status.
func (d *Directory) UpdateStatus(ctx context.Context, status ir.PresenceStatus) error {
	if !status.Valid() {
		return &Error{Code: ErrCodeInvalidStatus, Message: "unknown presence status " + string(status)}
	}
	return d.publish(ctx, func(p *ir.PeerPresence) { p.Status = status })
}

// UpdateLocation publishes a new local position.
func (d *Directory) UpdateLocation(ctx context.Context, lat, lon, accuracy float64) error {
	now := d.clock.Now()
	return d.publish(ctx, func(p *ir.PeerPresence) {
		p.Location = &ir.PresenceLocation{Lat: lat, Lon: lon, Accuracy: accuracy, Timestamp: now}
	})
}

func (d *Directory) setLive(live bool) {
	d.beat.Lock()
	d.live = live
	d.beat.Unlock()
}

func (d *Directory) publish(ctx context.Context, mutate func(*ir.PeerPresence)) error {
	d.beat.Lock()
	defer d.beat.Unlock()
	if !d.live {
		return &Error{Code: ErrCodeNotReady, Message: "presence directory is not started"}
	}

	d.mu.Lock()
	mutate(&d.local)
	d.local.LastUpdate = d.clock.Now()
	own := d.local
	d.mu.Unlock()

	if err := d.store.Upsert(ctx, ir.CollectionPeerPresence, own.PeerID, own); err != nil {
		return &Error{Code: ErrCodePersistFailed, Message: "publish local presence", Err: err}
	}
	return nil
}

// Heartbeat re-reads and re-writes the own presence record with a fresh
// timestamp, then removes peers whose presence has gone stale. It runs on
// the heartbeat timer; errors are logged. It does nothing once Stop has
// begun.
func (d *Directory) Heartbeat(ctx context.Context) {
	now := d.clock.Now()

	d.mu.Lock()
	own := d.local
	d.mu.Unlock()

	var stored ir.PeerPresence
	found, err := d.store.Find(ctx, ir.CollectionPeerPresence, own.PeerID, &stored)
	if err != nil {
		d.logger.Warn("heartbeat read failed", "error", err)
	} else if found {
		own = stored
	}
	own.LastUpdate = now

	d.beat.Lock()
	if !d.live {
		d.beat.Unlock()
		return
	}
	err = d.store.Upsert(ctx, ir.CollectionPeerPresence, own.PeerID, own)
	d.beat.Unlock()
	if err != nil {
		d.logger.Warn("heartbeat write failed", "error", err)
	} else {
		d.mu.Lock()
		d.local = own
		d.mu.Unlock()
	}

	d.sweep(ctx, now)
}

// sweep drops peers without a presence update for longer than staleAfter
// and removes their presence records if those are still stale.
func (d *Directory) sweep(ctx context.Context, now time.Time) {
	var removed []ir.Peer

	d.mu.Lock()
	for id, p := range d.peers {
		if now.Sub(p.LastSeen) > d.staleAfter {
			removed = append(removed, *p)
			delete(d.peers, id)
		}
	}
	d.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	for i := range removed {
		p := removed[i]
		d.logger.Info("peer removed", "peer_id", p.ID, "last_seen", p.LastSeen)
		d.events.Emit(event.Event{Kind: event.PeerRemoved, At: now, Peer: &p})

		var rec ir.PeerPresence
		found, err := d.store.Find(ctx, ir.CollectionPeerPresence, p.ID, &rec)
		if err != nil {
			d.logger.Warn("stale presence read failed", "peer_id", p.ID, "error", err)
			continue
		}
		if found && now.Sub(rec.LastUpdate) > d.staleAfter {
			if err := d.store.Remove(ctx, ir.CollectionPeerPresence, p.ID); err != nil {
				d.logger.Warn("stale presence removal failed", "peer_id", p.ID, "error", err)
			}
		}
	}
}

// Refresh reloads every presence record from the store and applies it as
// if it had arrived on the subscription. It works on a directory that was
// never started.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.store == nil {
		return &Error{Code: ErrCodeNotReady, Message: "presence directory has no store"}
	}
	docs, err := d.store.FindAll(ctx, ir.CollectionPeerPresence)
	if err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	d.handlePresence(docs)
	return nil
}

// Peers returns every known peer ordered by id.
func (d *Directory) Peers() []ir.Peer {
	return d.list(func(*ir.Peer) bool { return true })
}

// ConnectedPeers returns the connected peers ordered by id.
func (d *Directory) ConnectedPeers() []ir.Peer {
	return d.list(func(p *ir.Peer) bool { return p.Connected })
}

// ConnectedCount returns the number of connected peers.
func (d *Directory) ConnectedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.peers {
		if p.Connected {
			n++
		}
	}
	return n
}

// Peer returns the peer with the given id.
func (d *Directory) Peer(id string) (ir.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return ir.Peer{}, false
	}
	return clonePeer(p), true
}

// LocalID returns the local peer id.
func (d *Directory) LocalID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local.PeerID
}

// LocalName returns the local display name.
func (d *Directory) LocalName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local.DisplayName
}

// LocalPresence returns the last published own presence record.
func (d *Directory) LocalPresence() ir.PeerPresence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local
}

func (d *Directory) list(keep func(*ir.Peer) bool) []ir.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ir.Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if keep(p) {
			out = append(out, clonePeer(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clonePeer(p *ir.Peer) ir.Peer {
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	if p.SignalQuality != nil {
		q := *p.SignalQuality
		out.SignalQuality = &q
	}
	return out
}
