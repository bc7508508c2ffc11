package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NeboLoop/chatsync-go-sdk/conversation"
	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// --------------------------------------------------------------------------
// Timestamps
// --------------------------------------------------------------------------

// Timestamp accepts RFC 3339 as well as zone-less local date-times, which
// the chat backend emits for some resources. Zone-less values are UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// epoch millis
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// --------------------------------------------------------------------------
// Conversations
// --------------------------------------------------------------------------

// Conversation types as stored by the backend.
const (
	ConversationOneToOne = "ONE_TO_ONE"
	ConversationGroup    = "GROUP"
)

// ConversationItem is one row of GET /chat/conversations.
type ConversationItem struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name,omitempty"`
	Participants        []string  `json:"participants"`
	Type                string    `json:"type"`
	CreatorID           string    `json:"creatorId,omitempty"`
	CreatedAt           Timestamp `json:"createdAt"`
	LastActivity        Timestamp `json:"lastActivity"`
	LastMessageID       string    `json:"lastMessageId,omitempty"`
	LastMessageContent  string    `json:"lastMessageContent,omitempty"`
	LastMessageSenderID string    `json:"lastMessageSenderId,omitempty"`
	UnreadCount         int       `json:"unreadCount,omitempty"`
}

// Summary converts the REST row into the aggregator's summary.
func (c ConversationItem) Summary() conversation.Conversation {
	kind := conversation.Direct
	if c.Type == ConversationGroup {
		kind = conversation.Group
	}
	return conversation.Conversation{
		ID:                 c.ID,
		Kind:               kind,
		Name:               c.Name,
		ParticipantIDs:     c.Participants,
		LastMessagePreview: c.LastMessageContent,
		LastActivityAt:     c.LastActivity.Time,
		UnreadCount:        c.UnreadCount,
	}
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// MessageItem is one message of GET /chat/messages/{conversationId}.
type MessageItem struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	Content        string    `json:"content"`
	Timestamp      Timestamp `json:"timestamp"`
	Status         string    `json:"status,omitempty"`
	Type           string    `json:"type,omitempty"`
	FileName       string    `json:"fileName,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
}

// Envelope converts a history row to the wire envelope so it goes through
// the same duplicate filter as live deliveries.
func (m MessageItem) Envelope() wire.MessageEnvelope {
	return wire.MessageEnvelope{
		CorrelationID:  m.CorrelationID,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ContentType:    contentType(m.Type),
		FileName:       m.FileName,
		SentAt:         m.Timestamp.Time,
	}
}

func contentType(s string) wire.ContentType {
	switch wire.ContentType(s) {
	case wire.ContentImage, wire.ContentVideo, wire.ContentFile, wire.ContentSystem:
		return wire.ContentType(s)
	}
	switch s {
	case "image":
		return wire.ContentImage
	case "video":
		return wire.ContentVideo
	case "file":
		return wire.ContentFile
	}
	return wire.ContentText
}

// --------------------------------------------------------------------------
// Calls
// --------------------------------------------------------------------------

// InitiateCallRequest is the body of POST /chat/calls/initiate.
type InitiateCallRequest struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

// CallSessionResponse is the server's view of a call.
type CallSessionResponse struct {
	CallID     string    `json:"callId"`
	CallerID   string    `json:"callerId"`
	ReceiverID string    `json:"receiverId"`
	CallType   string    `json:"callType"`
	Status     string    `json:"status"`
	StartTime  Timestamp `json:"startTime"`
	EndTime    Timestamp `json:"endTime"`
}
