// Package envelope normalizes inbound and outbound chat payloads into a
// canonical Message, tracks client correlation ids through to the server
// acknowledgment and filters duplicate deliveries before they reach
// application state.
package envelope

import (
	"time"

	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// Status is the delivery state of a Message.
type Status string

const (
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusError     Status = "ERROR"
)

// rank orders the forward progression; ERROR sits outside it.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// canAdvance reports whether a message in status from may move to to.
// READ is final, statuses never regress, ERROR is only reachable from
// SENDING and only left by an explicit retry.
func canAdvance(from, to Status) bool {
	if from == StatusRead {
		return false
	}
	if to == StatusError {
		return from == StatusSending
	}
	if from == StatusError {
		return false
	}
	return to.rank() > from.rank()
}

// Message is the canonical chat message held by the client.
type Message struct {
	ID             string // server assigned, empty until acknowledged
	CorrelationID  string
	ConversationID string
	SenderID       string
	ReceiverID     string // empty for group messages
	Content        string
	ContentType    wire.ContentType
	FileName       string
	SentAt         time.Time
	Status         Status
	Error          string
}

// IsGroup reports whether the message was addressed to a group.
func (m Message) IsGroup() bool { return m.ReceiverID == "" }

// Envelope converts the message back into its wire form.
func (m Message) Envelope() wire.MessageEnvelope {
	return wire.MessageEnvelope{
		CorrelationID:  m.CorrelationID,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ContentType:    m.ContentType,
		FileName:       m.FileName,
		SentAt:         m.SentAt,
	}
}

// FromEnvelope builds a Message from a wire envelope. Inbound messages that
// already carry a server id are SENT; the rest are still in flight.
func FromEnvelope(env wire.MessageEnvelope) Message {
	ct := env.ContentType
	if ct == "" {
		ct = wire.ContentText
	}
	status := StatusSending
	if env.ID != "" {
		status = StatusSent
	}
	return Message{
		ID:             env.ID,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		ReceiverID:     env.ReceiverID,
		Content:        env.Content,
		ContentType:    ct,
		FileName:       env.FileName,
		SentAt:         env.SentAt,
		Status:         status,
	}
}

// Draft is an outbound message before the processor assigns identity.
type Draft struct {
	ConversationID string
	ReceiverID     string
	Content        string
	ContentType    wire.ContentType
	FileName       string
}

// Outcome is the result of Receive.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "DUPLICATE"
	}
	return "ACCEPTED"
}
