// Package delivery sends typed messages over the shared store, tracks
// acknowledgements, and retries unacknowledged messages on a fixed backoff
// schedule until they are delivered or expire.
//
// Delivery is at-least-once. A retry racing an acknowledgement may cause
// one extra send; receivers drop it through reconciliation.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/reconcile"
	"github.com/roach88/meshsync/internal/schedule"
	"github.com/roach88/meshsync/internal/store"
)

// DefaultRetryDelays are the waits before the first, second and third
// retry. A message still unacknowledged after the last one expires.
var DefaultRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// DefaultPageSize is the page size of Messages when no limit is given.
const DefaultPageSize = 50

// PeerCounter reports how many peers are currently connected.
type PeerCounter interface {
	ConnectedCount() int
}

// Reconciler decides whether a logical record is new, a duplicate or a
// conflict. *reconcile.Engine implements it.
type Reconciler interface {
	ProcessIncomingData(ctx context.Context, data ir.Payload, dataType string, source ir.SyncSource) (reconcile.Result, error)
}

// Engine is the message delivery engine of one device.
type Engine struct {
	store      store.DocumentStore
	peers      PeerCounter
	reconciler Reconciler
	clock      schedule.Clock
	logger     *slog.Logger
	events     *event.Registry
	retries    *schedule.Arena
	ids        IDGenerator
	delays     []time.Duration
	pageSize   int
	local      ir.DeviceInfo

	// life serializes Initialize and Shutdown.
	life        sync.Mutex
	initialized bool
	cancels     []func()

	// running is cleared by teardown; timer and feed callbacks already in
	// flight check it before writing.
	running atomic.Bool

	// mu serializes read-modify-write of own messages and guards the maps.
	mu      sync.Mutex
	handled map[string]bool
	applied map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock for timestamps and retry timers.
func WithClock(c schedule.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator sets the message id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithRetryDelays sets the retry schedule.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(e *Engine) { e.delays = append([]time.Duration(nil), delays...) }
}

// WithPageSize sets the default page size of Messages.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// New creates an engine over st. peers sizes delivery expectations and
// reconciler screens outgoing and incoming messages; either may be nil.
func New(st store.DocumentStore, peers PeerCounter, reconciler Reconciler, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		peers:      peers,
		reconciler: reconciler,
		clock:      schedule.SystemClock{},
		logger:     slog.Default(),
		ids:        UUIDv7Generator{},
		delays:     DefaultRetryDelays,
		pageSize:   DefaultPageSize,
		handled:    make(map[string]bool),
		applied:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = event.NewRegistry(e.logger)
	e.retries = schedule.NewArena(e.clock)
	if st != nil {
		e.local = st.LocalDevice()
	}
	return e
}

// Events returns the registry message events are emitted on.
func (e *Engine) Events() *event.Registry {
	return e.events
}

// LocalID returns the id messages are sent under.
func (e *Engine) LocalID() string {
	return e.local.ID
}

// Initialize subscribes to messages and acknowledgements and rebuilds the
// retry timers of own messages still awaiting acknowledgement. A failed
// subscription aborts initialization. Calling it again is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.life.Lock()
	defer e.life.Unlock()

	if e.store == nil {
		return &Error{Code: ErrCodeNotReady, Message: "delivery engine has no store"}
	}
	if e.initialized {
		return nil
	}
	e.retries.Open()
	e.running.Store(true)

	cancel, err := e.store.Subscribe(ir.CollectionMessages, e.handleMessages)
	if err != nil {
		return &Error{Code: ErrCodeSubscribeFailed, Message: "subscribe to messages", Err: err}
	}
	e.cancels = append(e.cancels, cancel)

	cancel, err = e.store.Subscribe(ir.CollectionAcknowledgements, e.handleAcks)
	if err != nil {
		e.teardown()
		return &Error{Code: ErrCodeSubscribeFailed, Message: "subscribe to acknowledgements", Err: err}
	}
	e.cancels = append(e.cancels, cancel)

	if err := e.rebuildRetries(ctx); err != nil {
		e.teardown()
		return err
	}

	e.initialized = true
	e.logger.Info("delivery engine initialized",
		"peer_id", e.local.ID,
		"pending_retries", e.retries.Len())
	return nil
}

// rebuildRetries schedules a retry for every own message left in sent that
// no peer has acknowledged yet. Any acknowledgement cancels the retry timer
// while running, so an acknowledged message is not re-armed either.
func (e *Engine) rebuildRetries(ctx context.Context) error {
	msgs, err := e.loadMessages(ctx)
	if err != nil {
		return err
	}

	var pending []event.Event
	e.mu.Lock()
	for _, m := range msgs {
		if m.SenderID != e.local.ID || m.DeliveryStatus != ir.DeliverySent {
			continue
		}
		if len(m.Acknowledgements) > 0 {
			continue
		}
		if !e.retries.Pending(m.ID) {
			pending = append(pending, e.scheduleRetryLocked(ctx, m)...)
		}
	}
	e.mu.Unlock()

	e.emit(pending)
	return nil
}

// Shutdown cancels both subscriptions, every pending retry and all
// listeners. It is safe to call repeatedly and after a failed Initialize.
func (e *Engine) Shutdown() {
	e.life.Lock()
	defer e.life.Unlock()

	e.teardown()
	e.events.Clear()
}

// teardown must be called with e.life held.
func (e *Engine) teardown() {
	e.running.Store(false)
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.retries.Close()
	e.initialized = false
}

func (e *Engine) ready() error {
	e.life.Lock()
	defer e.life.Unlock()
	if !e.initialized {
		return &Error{Code: ErrCodeNotReady, Message: "delivery engine is not initialized"}
	}
	return nil
}

// PendingRetries returns the ids of messages with a scheduled retry.
func (e *Engine) PendingRetries() []string {
	return e.retries.Keys()
}

// loadMessages returns every stored message.
func (e *Engine) loadMessages(ctx context.Context) ([]ir.Message, error) {
	docs, err := e.store.FindAll(ctx, ir.CollectionMessages)
	if err != nil {
		return nil, err
	}
	msgs := make([]ir.Message, 0, len(docs))
	for _, doc := range docs {
		var m ir.Message
		if err := doc.Decode(&m); err != nil {
			e.logger.Warn("skipping unreadable message", "message_id", doc.ID, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (e *Engine) emit(pending []event.Event) {
	for _, ev := range pending {
		e.events.Emit(ev)
	}
}

func msgEvent(kind event.Kind, at time.Time, m ir.Message) event.Event {
	return event.Event{Kind: kind, At: at, Message: &m}
}
