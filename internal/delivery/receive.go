package delivery

import (
	"context"
	"fmt"

	"github.com/roach88/meshsync/internal/event"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/reconcile"
	"github.com/roach88/meshsync/internal/store"
)

// handleMessages is the messages subscription callback. Every remote
// message not yet handled is screened by the reconciler, announced and
// acknowledged back to its sender.
func (e *Engine) handleMessages(docs []store.Document) {
	ctx := context.Background()

	for _, doc := range docs {
		var msg ir.Message
		if err := doc.Decode(&msg); err != nil {
			e.logger.Warn("skipping unreadable message", "message_id", doc.ID, "error", err)
			continue
		}
		if msg.SenderID == e.local.ID {
			continue
		}

		e.mu.Lock()
		seen := e.handled[msg.ID]
		e.handled[msg.ID] = true
		e.mu.Unlock()
		if seen {
			continue
		}

		if err := e.receive(ctx, msg); err != nil {
			e.mu.Lock()
			delete(e.handled, msg.ID)
			e.mu.Unlock()
			e.logger.Warn("failed to process incoming message",
				"message_id", msg.ID,
				"sender_id", msg.SenderID,
				"error", err)
		}
	}
}

func (e *Engine) receive(ctx context.Context, msg ir.Message) error {
	outcome := reconcile.OutcomeAccept
	if e.reconciler != nil {
		res, err := e.reconciler.ProcessIncomingData(ctx, msg.LogicalPayload(), msg.Type.DataType(), ir.SyncSource{
			Origin:    ir.OriginMesh,
			PeerID:    msg.SenderID,
			Timestamp: msg.Timestamp,
			Version:   msg.RetryCount + 1,
		})
		if err != nil {
			return err
		}
		outcome = res.Outcome
	}

	if outcome == reconcile.OutcomeReject {
		// Already seen, possibly before a restart. Only make sure the sender
		// has an acknowledgement; never downgrade a read one.
		var existing ir.AckRecord
		found, err := e.store.Find(ctx, ir.CollectionAcknowledgements, ir.AckRecordID(msg.ID, e.local.ID), &existing)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return e.sendAck(ctx, msg, ir.AckDelivered)
	}

	now := e.clock.Now()
	e.logger.Debug("message received",
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"type", msg.Type)
	e.events.Emit(msgEvent(event.MessageReceived, now, msg))
	e.events.Emit(msgEvent(event.ReceivedKind(msg.Type), now, msg))

	return e.sendAck(ctx, msg, ir.AckDelivered)
}

// sendAck writes the local peer's acknowledgement of msg, addressed to its
// sender.
func (e *Engine) sendAck(ctx context.Context, msg ir.Message, status ir.AckStatus) error {
	rec := ir.AckRecord{
		ID:          ir.AckRecordID(msg.ID, e.local.ID),
		MessageID:   msg.ID,
		RecipientID: msg.SenderID,
		Acknowledgement: ir.Acknowledgement{
			PeerID:    e.local.ID,
			PeerName:  e.local.Name,
			Timestamp: e.clock.Now(),
			Status:    status,
		},
	}
	if err := e.store.Upsert(ctx, ir.CollectionAcknowledgements, rec.ID, rec); err != nil {
		return &Error{Code: ErrCodePersistFailed, Message: "write acknowledgement", MessageID: msg.ID, Err: err}
	}
	return nil
}

// handleAcks is the acknowledgements subscription callback. Acks addressed
// to the local peer are folded into the acknowledged message.
func (e *Engine) handleAcks(docs []store.Document) {
	ctx := context.Background()

	for _, doc := range docs {
		var rec ir.AckRecord
		if err := doc.Decode(&rec); err != nil {
			e.logger.Warn("skipping unreadable acknowledgement", "ack_id", doc.ID, "error", err)
			continue
		}
		if rec.RecipientID != e.local.ID {
			continue
		}

		e.mu.Lock()
		pending, err := e.applyAckLocked(ctx, rec)
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn("failed to apply acknowledgement",
				"message_id", rec.MessageID,
				"peer_id", rec.PeerID,
				"error", err)
			continue
		}
		e.emit(pending)
	}
}

func ackKey(rec ir.AckRecord) string {
	return fmt.Sprintf("%s|%s|%s", rec.MessageID, rec.PeerID, rec.Status)
}

func (e *Engine) applyAckLocked(ctx context.Context, rec ir.AckRecord) ([]event.Event, error) {
	key := ackKey(rec)
	if e.applied[key] {
		return nil, nil
	}

	var msg ir.Message
	found, err := e.store.Find(ctx, ir.CollectionMessages, rec.MessageID, &msg)
	if err != nil {
		return nil, err
	}
	if !found || msg.SenderID != e.local.ID {
		return nil, nil
	}
	if prev, ok := msg.AckFrom(rec.PeerID); ok && prev.Status == rec.Status {
		e.applied[key] = true
		return nil, nil
	}

	msg.UpsertAck(rec.Acknowledgement)
	e.retries.Cancel(msg.ID)

	connected := 0
	if e.peers != nil {
		connected = e.peers.ConnectedCount()
	}
	if len(msg.Acknowledgements) >= connected && msg.DeliveryStatus.CanAdvance(ir.DeliveryDelivered) {
		msg.DeliveryStatus = ir.DeliveryDelivered
	}

	if err := e.store.Upsert(ctx, ir.CollectionMessages, msg.ID, msg); err != nil {
		return nil, &Error{Code: ErrCodePersistFailed, Message: "record acknowledgement", MessageID: msg.ID, Err: err}
	}
	e.applied[key] = true

	e.logger.Info("message acknowledged",
		"message_id", msg.ID,
		"peer_id", rec.PeerID,
		"status", rec.Status,
		"acks", len(msg.Acknowledgements),
		"connected", connected,
		"delivery_status", msg.DeliveryStatus)

	ack := rec.Acknowledgement
	ev := msgEvent(event.MessageAcknowledged, e.clock.Now(), msg)
	ev.Ack = &ack
	return []event.Event{ev}, nil
}
