// Package event provides the typed observer registry the engines use to
// publish peer, message and reconciliation events.
package event

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/ir"
)

// Kind names an emitted event.
type Kind string

// Peer events.
const (
	PeerDiscovered   Kind = "peerDiscovered"
	PeerUpdated      Kind = "peerUpdated"
	PeerConnected    Kind = "peerConnected"
	PeerDisconnected Kind = "peerDisconnected"
	PeerRemoved      Kind = "peerRemoved"
)

// Message events.
const (
	MessageReceived     Kind = "messageReceived"
	MessageSent         Kind = "messageSent"
	MessageFailed       Kind = "messageFailed"
	MessageAcknowledged Kind = "messageAcknowledged"
	MessageExpired      Kind = "messageExpired"
	ChatReceived        Kind = "chatReceived"
	LocationReceived    Kind = "locationReceived"
	MarkerReceived      Kind = "markerReceived"
	SystemReceived      Kind = "systemReceived"
)

// Reconciliation events.
const (
	RecordCreated    Kind = "recordCreated"
	ConflictDetected Kind = "conflictDetected"
	ConflictResolved Kind = "conflictResolved"
)

// ReceivedKind returns the type-specific received event for a message type.
func ReceivedKind(t ir.MessageType) Kind {
	switch t {
	case ir.MessageChat:
		return ChatReceived
	case ir.MessageLocation:
		return LocationReceived
	case ir.MessageMarker:
		return MarkerReceived
	default:
		return SystemReceived
	}
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind                `json:"kind"`
	At       time.Time           `json:"at"`
	Peer     *ir.Peer            `json:"peer,omitempty"`
	Message  *ir.Message         `json:"message,omitempty"`
	Ack      *ir.Acknowledgement `json:"ack,omitempty"`
	Record   *ir.SyncRecord      `json:"record,omitempty"`
	Conflict *ir.ConflictRecord  `json:"conflict,omitempty"`
	Err      error               `json:"-"`
	Error    string              `json:"error,omitempty"`
}

// Listener handles an event. A returned error is logged by the registry.
type Listener func(Event) error

type entry struct {
	id       uint64
	listener Listener
	kinds    map[Kind]bool
}

// Registry fans events out to subscribed listeners.
//
// Delivery is synchronous and in subscription order. A listener that
// returns an error or panics is logged and skipped; the remaining listeners
// still receive the event.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64
}

// NewRegistry returns an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, entries: make(map[uint64]*entry)}
}

// Subscribe registers l for the given kinds, or for every kind when none
// are given. The returned func unsubscribes and is safe to call repeatedly.
func (r *Registry) Subscribe(l Listener, kinds ...Kind) func() {
	e := &entry{listener: l}
	if len(kinds) > 0 {
		e.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			e.kinds[k] = true
		}
	}

	r.mu.Lock()
	r.nextID++
	e.id = r.nextID
	r.entries[e.id] = e
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.entries, e.id)
		r.mu.Unlock()
	}
}

// Emit delivers ev to every matching listener.
func (r *Registry) Emit(ev Event) {
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}

	r.mu.Lock()
	matched := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.kinds == nil || e.kinds[ev.Kind] {
			matched = append(matched, e)
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, e := range matched {
		if err := r.call(e.listener, ev); err != nil {
			r.logger.Warn("event listener failed",
				"kind", ev.Kind,
				"listener", e.id,
				"error", err)
		}
	}
}

func (r *Registry) call(l Listener, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return l(ev)
}

// Clear removes every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint64]*entry)
}

// Len returns the number of subscribed listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Forward subscribes to src and re-emits every event on r. The returned
// func stops forwarding.
func (r *Registry) Forward(src *Registry) func() {
	return src.Subscribe(func(ev Event) error {
		r.Emit(ev)
		return nil
	})
}
