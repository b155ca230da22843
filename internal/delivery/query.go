package delivery

import (
	"context"
	"sort"

	"github.com/roach88/meshsync/internal/ir"
)

// MarkAsRead sends a read acknowledgement for a received message. Marking
// an own message is a no-op.
func (e *Engine) MarkAsRead(ctx context.Context, messageID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	var msg ir.Message
	found, err := e.store.Find(ctx, ir.CollectionMessages, messageID, &msg)
	if err != nil {
		return &Error{Code: ErrCodePersistFailed, Message: "load message", MessageID: messageID, Err: err}
	}
	if !found {
		return &Error{Code: ErrCodeNotFound, Message: "message not found", MessageID: messageID}
	}
	if msg.SenderID == e.local.ID {
		return nil
	}
	return e.sendAck(ctx, msg, ir.AckRead)
}

// Message returns the message with the given id.
func (e *Engine) Message(ctx context.Context, id string) (ir.Message, error) {
	var msg ir.Message
	found, err := e.store.Find(ctx, ir.CollectionMessages, id, &msg)
	if err != nil {
		return ir.Message{}, err
	}
	if !found {
		return ir.Message{}, &Error{Code: ErrCodeNotFound, Message: "message not found", MessageID: id}
	}
	return msg, nil
}

// Messages returns one page of messages, newest first. A non-positive
// limit uses the configured page size.
func (e *Engine) Messages(ctx context.Context, limit, offset int) ([]ir.Message, error) {
	msgs, err := e.query(ctx, newestFirst, func(ir.Message) bool { return true })
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []ir.Message{}, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[offset:end], nil
}

// ChatMessages returns the chat messages of a thread in conversation order,
// oldest first. An empty threadID selects messages outside any thread.
func (e *Engine) ChatMessages(ctx context.Context, threadID string) ([]ir.Message, error) {
	return e.query(ctx, oldestFirst, func(m ir.Message) bool {
		if m.Type != ir.MessageChat {
			return false
		}
		thread := ""
		if m.Chat != nil {
			thread = m.Chat.ThreadID
		}
		return thread == threadID
	})
}

// LocationMessages returns location updates, newest first. A non-empty
// peerID restricts them to one sender.
func (e *Engine) LocationMessages(ctx context.Context, peerID string) ([]ir.Message, error) {
	return e.query(ctx, newestFirst, func(m ir.Message) bool {
		return m.Type == ir.MessageLocation && (peerID == "" || m.SenderID == peerID)
	})
}

// MarkerMessages returns map markers, newest first.
func (e *Engine) MarkerMessages(ctx context.Context) ([]ir.Message, error) {
	return e.query(ctx, newestFirst, func(m ir.Message) bool {
		return m.Type == ir.MessageMarker
	})
}

type order int

const (
	oldestFirst order = iota
	newestFirst
)

func (e *Engine) query(ctx context.Context, o order, keep func(ir.Message) bool) ([]ir.Message, error) {
	all, err := e.loadMessages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Message, 0, len(all))
	for _, m := range all {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if o == newestFirst {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if o == newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	return out, nil
}
