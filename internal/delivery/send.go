package delivery

import (
	"context"
	"time"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/reconcile"
)

// Draft is an outgoing message before the engine assigns its identity.
type Draft struct {
	Type      ir.MessageType
	Content   string
	Chat      *ir.ChatPayload
	Location  *ir.LocationPayload
	Marker    *ir.MarkerPayload
	System    *ir.SystemPayload
	ExpiresAt *time.Time
}

func (d Draft) validate() error {
	invalid := func(msg string) error {
		return &Error{Code: ErrCodeInvalidMessage, Message: msg}
	}
	switch d.Type {
	case ir.MessageChat:
		if d.Content == "" {
			return invalid("chat message needs content")
		}
	case ir.MessageLocation:
		if d.Location == nil {
			return invalid("location message needs a location payload")
		}
	case ir.MessageMarker:
		if d.Marker == nil || d.Marker.Title == "" {
			return invalid("marker message needs a titled marker payload")
		}
	case ir.MessageSystem:
		if d.System == nil || d.System.Subtype == "" {
			return invalid("system message needs a subtype")
		}
	default:
		return invalid("unknown message type " + string(d.Type))
	}
	return nil
}

// SendChat sends a chat message, optionally in a thread or as a reply.
func (e *Engine) SendChat(ctx context.Context, content, threadID, replyTo string) (ir.Message, error) {
	d := Draft{Type: ir.MessageChat, Content: content}
	if threadID != "" || replyTo != "" {
		d.Chat = &ir.ChatPayload{ThreadID: threadID, ReplyTo: replyTo}
	}
	return e.Send(ctx, d)
}

// SendLocation sends a location update.
func (e *Engine) SendLocation(ctx context.Context, loc ir.LocationPayload, content string) (ir.Message, error) {
	return e.Send(ctx, Draft{Type: ir.MessageLocation, Content: content, Location: &loc})
}

// SendMarker sends a map marker. The marker title doubles as content when
// none is given.
func (e *Engine) SendMarker(ctx context.Context, marker ir.MarkerPayload, content string) (ir.Message, error) {
	if content == "" {
		content = marker.Title
	}
	return e.Send(ctx, Draft{Type: ir.MessageMarker, Content: content, Marker: &marker})
}

// SendSystem sends a system notice.
func (e *Engine) SendSystem(ctx context.Context, subtype, content string) (ir.Message, error) {
	return e.Send(ctx, Draft{Type: ir.MessageSystem, Content: content, System: &ir.SystemPayload{Subtype: subtype}})
}

// Send builds a message from d, screens it through the reconciler,
// persists it and schedules its first retry.
//
// A write failure leaves the message failed, emits messageFailed and
// returns PERSIST_FAILED along with the failed message; it is not retried.
// Content already recorded is rejected with DUPLICATE and nothing is
// written.
func (e *Engine) Send(ctx context.Context, d Draft) (ir.Message, error) {
	if err := e.ready(); err != nil {
		return ir.Message{}, err
	}
	if err := d.validate(); err != nil {
		return ir.Message{}, err
	}

	now := e.clock.Now()
	msg := ir.Message{
		ID:               e.ids.NewID(),
		SenderID:         e.local.ID,
		SenderName:       e.local.Name,
		Timestamp:        now,
		Type:             d.Type,
		Content:          d.Content,
		Chat:             d.Chat,
		Location:         d.Location,
		Marker:           d.Marker,
		System:           d.System,
		DeliveryStatus:   ir.DeliveryPending,
		Acknowledgements: []ir.Acknowledgement{},
		LastAttemptAt:    now,
		ExpiresAt:        d.ExpiresAt,
	}

	if e.reconciler != nil {
		res, err := e.reconciler.ProcessIncomingData(ctx, msg.LogicalPayload(), msg.Type.DataType(), ir.SyncSource{
			Origin:    ir.OriginLocal,
			PeerID:    e.local.ID,
			Timestamp: now,
			Version:   1,
		})
		if err != nil {
			return ir.Message{}, err
		}
		if res.Outcome == reconcile.OutcomeReject {
			return ir.Message{}, &Error{Code: ErrCodeDuplicate, Message: "identical message already sent"}
		}
		if res.Outcome == reconcile.OutcomeConflict {
			e.logger.Info("outgoing message conflicts with a recorded one",
				"message_id", msg.ID,
				"record_id", res.RecordID)
		}
	}

	e.mu.Lock()
	pending, err := e.attemptLocked(ctx, &msg)
	e.mu.Unlock()

	e.emit(pending)
	return msg, err
}

// attemptLocked persists msg as sent and schedules its next retry. On a
// write error msg is left failed and no retry is scheduled.
func (e *Engine) attemptLocked(ctx context.Context, msg *ir.Message) ([]event.Event, error) {
	now := e.clock.Now()
	prev := msg.DeliveryStatus
	if !prev.CanAdvance(ir.DeliverySent) {
		return nil, nil
	}

	msg.DeliveryStatus = ir.DeliverySent
	if err := e.store.Upsert(ctx, ir.CollectionMessages, msg.ID, msg); err != nil {
		msg.DeliveryStatus = ir.DeliveryFailed
		e.logger.Warn("message send failed",
			"message_id", msg.ID,
			"retry_count", msg.RetryCount,
			"error", err)
		perr := &Error{Code: ErrCodePersistFailed, Message: "persist message", MessageID: msg.ID, Err: err}
		ev := msgEvent(event.MessageFailed, now, *msg)
		ev.Err = perr
		return []event.Event{ev}, perr
	}

	e.logger.Debug("message sent",
		"message_id", msg.ID,
		"type", msg.Type,
		"retry_count", msg.RetryCount)
	pending := []event.Event{msgEvent(event.MessageSent, now, *msg)}
	return append(pending, e.scheduleRetryLocked(ctx, *msg)...), nil
}

// scheduleRetryLocked arms the retry timer for msg, or expires msg when its
// retries are exhausted.
func (e *Engine) scheduleRetryLocked(ctx context.Context, msg ir.Message) []event.Event {
	if msg.RetryCount >= len(e.delays) {
		return e.expireLocked(ctx, msg)
	}

	id := msg.ID
	e.retries.Schedule(id, e.delays[msg.RetryCount], func() {
		e.retry(id)
	})
	return nil
}

// retry re-sends a message whose retry timer fired.
func (e *Engine) retry(id string) {
	ctx := context.Background()

	e.mu.Lock()
	var msg ir.Message
	found, err := e.store.Find(ctx, ir.CollectionMessages, id, &msg)
	if err != nil || !found {
		e.mu.Unlock()
		e.logger.Warn("retry skipped: message unavailable", "message_id", id, "error", err)
		return
	}
	if msg.DeliveryStatus.Terminal() || !e.running.Load() {
		e.mu.Unlock()
		return
	}

	msg.RetryCount++
	msg.LastAttemptAt = e.clock.Now()
	e.logger.Info("retrying message", "message_id", id, "retry_count", msg.RetryCount)
	pending, _ := e.attemptLocked(ctx, &msg)
	e.mu.Unlock()

	e.emit(pending)
}

func (e *Engine) expireLocked(ctx context.Context, msg ir.Message) []event.Event {
	e.retries.Cancel(msg.ID)
	if !msg.DeliveryStatus.CanAdvance(ir.DeliveryExpired) {
		return nil
	}
	msg.DeliveryStatus = ir.DeliveryExpired
	if err := e.store.Upsert(ctx, ir.CollectionMessages, msg.ID, msg); err != nil {
		e.logger.Warn("failed to persist expiry", "message_id", msg.ID, "error", err)
	}
	e.logger.Info("message expired", "message_id", msg.ID, "retry_count", msg.RetryCount)
	return []event.Event{msgEvent(event.MessageExpired, e.clock.Now(), msg)}
}
