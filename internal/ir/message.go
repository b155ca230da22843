package ir

import (
	"fmt"
	"time"
)

// MessageType discriminates the message variants.
type MessageType string

const (
	MessageChat     MessageType = "chat"
	MessageLocation MessageType = "location"
	MessageMarker   MessageType = "marker"
	MessageSystem   MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageChat, MessageLocation, MessageMarker, MessageSystem:
		return true
	}
	return false
}

// DataType returns the reconciliation data type used for messages of this
// variant: markers and locations reconcile with their own strategies, chat
// and system messages as plain messages.
func (t MessageType) DataType() string {
	switch t {
	case MessageMarker:
		return DataTypeMarker
	case MessageLocation:
		return DataTypeLocation
	default:
		return DataTypeMessage
	}
}

// DeliveryStatus tracks a message through the delivery state machine.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExpired   DeliveryStatus = "expired"
)

// deliveryTransitions lists the allowed forward moves. sent→sent and
// failed→sent are retries.
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending: {DeliverySent, DeliveryFailed},
	DeliverySent:    {DeliverySent, DeliveryDelivered, DeliveryFailed, DeliveryExpired},
	DeliveryFailed:  {DeliverySent, DeliveryExpired},
}

// CanAdvance reports whether a message may move from s to next.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryExpired
}

// AckStatus is the status carried by an acknowledgement.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
)

// Acknowledgement records one peer's receipt of a message.
type Acknowledgement struct {
	PeerID    string    `json:"peerId"`
	PeerName  string    `json:"peerName"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
}

// AckRecord is the document written to the acknowledgements collection.
type AckRecord struct {
	ID          string `json:"id"`
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId"`
	Acknowledgement
}

// AckRecordID returns the document id of the acknowledgement from peerID
// for messageID. Repeated acks from the same peer upsert in place.
func AckRecordID(messageID, peerID string) string {
	return fmt.Sprintf("%s:%s", messageID, peerID)
}

// ChatPayload carries chat-specific fields.
type ChatPayload struct {
	ThreadID string `json:"threadId,omitempty"`
	ReplyTo  string `json:"replyTo,omitempty"`
}

// LocationPayload carries a location update.
type LocationPayload struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy float64  `json:"accuracy,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
}

// MarkerPayload carries a map marker.
type MarkerPayload struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Title    string  `json:"title"`
	Icon     string  `json:"icon,omitempty"`
	Color    string  `json:"color,omitempty"`
	Category string  `json:"category,omitempty"`
}

// SystemPayload carries a system notice subtype.
type SystemPayload struct {
	Subtype string `json:"subtype"`
}

// Message is the document written to the messages collection.
//
// ID is generator-assigned and immutable. Timestamp is the creation time and
// part of the message's logical identity; retries refresh LastAttemptAt.
type Message struct {
	ID               string            `json:"id"`
	SenderID         string            `json:"senderId"`
	SenderName       string            `json:"senderName"`
	Timestamp        time.Time         `json:"timestamp"`
	Type             MessageType       `json:"type"`
	Content          string            `json:"content"`
	Chat             *ChatPayload      `json:"chat,omitempty"`
	Location         *LocationPayload  `json:"location,omitempty"`
	Marker           *MarkerPayload    `json:"marker,omitempty"`
	System           *SystemPayload    `json:"system,omitempty"`
	DeliveryStatus   DeliveryStatus    `json:"deliveryStatus"`
	Acknowledgements []Acknowledgement `json:"acknowledgements"`
	RetryCount       int               `json:"retryCount"`
	LastAttemptAt    time.Time         `json:"lastAttemptAt"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
}

// LogicalPayload returns the reconciled view of the message: the fields a
// sender writes once, without the generator-assigned id or delivery
// bookkeeping (status, acks, retry count), so that status updates never look
// like competing edits and a double submit of the same content is caught.
func (m Message) LogicalPayload() Payload {
	p := Payload{
		"senderId":  m.SenderID,
		"timestamp": m.Timestamp.Unix(),
		"type":      string(m.Type),
		"content":   m.Content,
	}
	switch m.Type {
	case MessageChat:
		if m.Chat != nil {
			p["threadId"] = m.Chat.ThreadID
			p["replyTo"] = m.Chat.ReplyTo
		}
	case MessageLocation:
		if m.Location != nil {
			p["lat"] = m.Location.Lat
			p["lon"] = m.Location.Lon
			p["accuracy"] = m.Location.Accuracy
			p["peerId"] = m.SenderID
			if m.Location.Heading != nil {
				p["heading"] = *m.Location.Heading
			}
		}
	case MessageMarker:
		if m.Marker != nil {
			p["lat"] = m.Marker.Lat
			p["lon"] = m.Marker.Lon
			p["title"] = m.Marker.Title
			p["icon"] = m.Marker.Icon
			p["color"] = m.Marker.Color
			p["category"] = m.Marker.Category
		}
	case MessageSystem:
		if m.System != nil {
			p["subtype"] = m.System.Subtype
		}
	}
	return p
}

// AckFrom returns the acknowledgement recorded for peerID, if any.
func (m Message) AckFrom(peerID string) (Acknowledgement, bool) {
	for _, a := range m.Acknowledgements {
		if a.PeerID == peerID {
			return a, true
		}
	}
	return Acknowledgement{}, false
}

// UpsertAck replaces the acknowledgement from the same peer, or appends a
// new one, preserving arrival order.
func (m *Message) UpsertAck(ack Acknowledgement) {
	for i, a := range m.Acknowledgements {
		if a.PeerID == ack.PeerID {
			m.Acknowledgements[i] = ack
			return
		}
	}
	m.Acknowledgements = append(m.Acknowledgements, ack)
}
