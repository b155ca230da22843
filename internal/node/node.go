// Package node wires the reconciliation engine, the presence directory and
// the delivery engine of one device over a shared document store.
package node

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/delivery"
	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/presence"
	"github.com/roach88/meshsync/internal/reconcile"
	"github.com/roach88/meshsync/internal/schedule"
	"github.com/roach88/meshsync/internal/store"
)

// Node is one running meshsync device.
type Node struct {
	Reconcile *reconcile.Engine
	Presence  *presence.Directory
	Delivery  *delivery.Engine

	store  store.DocumentStore
	logger *slog.Logger
	events *event.Registry

	mu        sync.Mutex
	started   bool
	forwarded []func()
}

type options struct {
	clock  schedule.Clock
	logger *slog.Logger
	ids    delivery.IDGenerator
}

// Option configures a Node.
type Option func(*options)

// WithClock sets the clock shared by all three engines.
func WithClock(c schedule.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger shared by all three engines.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIDGenerator sets the message id generator.
func WithIDGenerator(g delivery.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// New builds the engines over st using the timing settings of cfg. A nil
// cfg uses config.Default().
func New(st store.DocumentStore, cfg *config.Config, opts ...Option) *Node {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{clock: schedule.SystemClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	rec := reconcile.New(st,
		reconcile.WithClock(o.clock),
		reconcile.WithLogger(o.logger.With("component", "reconcile")),
		reconcile.WithSweepInterval(cfg.Reconcile.SweepInterval),
		reconcile.WithCacheTTL(cfg.Reconcile.CacheTTL))

	dir := presence.New(st,
		presence.WithClock(o.clock),
		presence.WithLogger(o.logger.With("component", "presence")),
		presence.WithHeartbeatInterval(cfg.Presence.HeartbeatInterval),
		presence.WithStaleAfter(cfg.Presence.StaleAfter),
		presence.WithRecentWithin(cfg.Presence.RecentWithin))

	dopts := []delivery.Option{
		delivery.WithClock(o.clock),
		delivery.WithLogger(o.logger.With("component", "delivery")),
		delivery.WithRetryDelays(cfg.Delivery.RetryDelays...),
		delivery.WithPageSize(cfg.Delivery.PageSize),
	}
	if o.ids != nil {
		dopts = append(dopts, delivery.WithIDGenerator(o.ids))
	}
	del := delivery.New(st, dir, rec, dopts...)

	return &Node{
		Reconcile: rec,
		Presence:  dir,
		Delivery:  del,
		store:     st,
		logger:    o.logger,
		events:    event.NewRegistry(o.logger),
	}
}

// Events returns the registry every engine event is re-emitted on. It stays
// usable after Stop.
func (n *Node) Events() *event.Registry {
	return n.events
}

// Device returns the identity the node runs as.
func (n *Node) Device() ir.DeviceInfo {
	if n.store == nil {
		return ir.DeviceInfo{}
	}
	return n.store.LocalDevice()
}

// Start starts reconciliation, presence and delivery in that order. If a
// later step fails, the engines already started are stopped again. Calling
// Start on a running node is a no-op.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return nil
	}
	n.forwarded = []func(){
		n.events.Forward(n.Reconcile.Events()),
		n.events.Forward(n.Presence.Events()),
		n.events.Forward(n.Delivery.Events()),
	}

	if err := n.Reconcile.Start(ctx); err != nil {
		n.unforward()
		return err
	}
	if err := n.Presence.Start(ctx); err != nil {
		n.Reconcile.Stop()
		n.unforward()
		return err
	}
	if err := n.Delivery.Initialize(ctx); err != nil {
		if stopErr := n.Presence.Stop(ctx); stopErr != nil {
			n.logger.Warn("presence stop after failed start", "error", stopErr)
		}
		n.Reconcile.Stop()
		n.unforward()
		return err
	}
	n.started = true

	dev := n.Device()
	n.logger.Info("node started", "peer_id", dev.ID, "name", dev.Name)
	return nil
}

// Stop shuts the engines down in reverse start order. The presence
// removal error, if any, is returned after everything has stopped.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Delivery.Shutdown()
	err := n.Presence.Stop(ctx)
	n.Reconcile.Stop()
	n.unforward()
	n.started = false

	n.logger.Info("node stopped", "peer_id", n.Device().ID)
	return err
}

// unforward must be called with n.mu held.
func (n *Node) unforward() {
	for _, stop := range n.forwarded {
		stop()
	}
	n.forwarded = nil
}
