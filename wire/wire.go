// Package wire defines the JSON payload types carried inside chatsync
// frames. The gateway and the SDK share these definitions.
package wire

import (
	"encoding/json"
	"time"
)

// ConnectPayload is the payload of a CONNECT frame (client -> server).
// The bearer credential is only sent here, never per message.
type ConnectPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// AuthResultPayload is the payload of AUTH_OK / AUTH_FAIL (server -> client).
type AuthResultPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// SubscribePayload is the payload of SUBSCRIBE and UNSUBSCRIBE frames.
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// SubscribeResultPayload answers a SUBSCRIBE (SUBSCRIBE_OK / SUBSCRIBE_FAIL).
type SubscribeResultPayload struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason,omitempty"`
}

// PublishPayload is the payload of a PUBLISH frame (client -> server).
type PublishPayload struct {
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// Delivery kinds.
const (
	KindMessage   = "message"
	KindReceipt   = "receipt"
	KindCall      = "call"
	KindSignal    = "signal"
	KindKeepalive = "keepalive"
)

// DeliveryPayload is the payload of a DELIVERY frame (server -> client).
// The frame header carries the per-channel sequence.
type DeliveryPayload struct {
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// ContentType classifies a chat message body.
type ContentType string

const (
	ContentText   ContentType = "TEXT"
	ContentImage  ContentType = "IMAGE"
	ContentVideo  ContentType = "VIDEO"
	ContentFile   ContentType = "FILE"
	ContentSystem ContentType = "SYSTEM"
)

// MessageEnvelope is the canonical chat message on the wire.
type MessageEnvelope struct {
	CorrelationID  string      `json:"correlationId"`
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"contentType"`
	FileName       string      `json:"fileName,omitempty"`
	SentAt         time.Time   `json:"sentAt"`
}

// AckPayload acknowledges a published message (ACK frame, server -> client).
type AckPayload struct {
	CorrelationID  string    `json:"correlationId"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SentAt         time.Time `json:"sentAt"`
}

// NackPayload rejects a published message (NACK frame, server -> client).
type NackPayload struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

// Receipt statuses.
const (
	ReceiptDelivered = "DELIVERED"
	ReceiptRead      = "READ"
)

// Receipt reports delivery or read progress of previously sent messages.
type Receipt struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Status         string   `json:"status"`
	ReaderID       string   `json:"readerId,omitempty"`
}

// Call notification types (user/{id}/calls channel).
const (
	CallIncoming = "incoming-call"
	CallAccepted = "call-accepted"
	CallRejected = "call-rejected"
	CallEnded    = "call-ended"
)

// CallNotification is pushed on the per-user call channel.
type CallNotification struct {
	Type       string `json:"type"`
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	CallType   string `json:"callType,omitempty"`
	CallerName string `json:"callerName,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Signal types.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// SignalEnvelope negotiates a peer media session. Payload is opaque to
// everything except the media engine.
type SignalEnvelope struct {
	Type    string          `json:"type"`
	CallID  string          `json:"callId"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresencePayload is the payload of a PRESENCE frame (client -> server).
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// KeepalivePayload is the application-level heartbeat (PING / PONG).
type KeepalivePayload struct {
	Timestamp time.Time `json:"timestamp"`
}
