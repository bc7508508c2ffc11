package envelope

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// HeuristicWindow is how close in time an inbound copy of an own message
// must be, when it carries no correlation id, to be treated as a duplicate.
const HeuristicWindow = 2000 * time.Millisecond

var (
	ErrUnknownCorrelation = errors.New("envelope: unknown correlation id")
	ErrInvalidTransition  = errors.New("envelope: invalid status transition")
)

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(gen func() string) Option {
	return func(p *Processor) { p.newID = gen }
}

// WithWindow bounds how many messages are tracked and for how long.
func WithWindow(size int, ttl time.Duration) Option {
	return func(p *Processor) { p.win = newWindow(size, ttl) }
}

// Processor is the single place where message identity and duplicate
// policy live. Safe for concurrent use.
type Processor struct {
	mu    sync.Mutex
	self  string
	win   *window
	now   func() time.Time
	newID func() string
}

// NewProcessor creates a processor for the given local user.
func NewProcessor(localUserID string, opts ...Option) *Processor {
	p := &Processor{
		self:  localUserID,
		win:   newWindow(defaultWindowSize, defaultWindowTTL),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Send creates the optimistic SENDING message for d with a fresh
// correlation id, and the envelope to publish.
func (p *Processor) Send(d Draft) (Message, wire.MessageEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ct := d.ContentType
	if ct == "" {
		ct = wire.ContentText
	}
	now := p.now()
	m := &Message{
		CorrelationID:  p.newID(),
		ConversationID: d.ConversationID,
		SenderID:       p.self,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		ContentType:    ct,
		FileName:       d.FileName,
		SentAt:         now,
		Status:         StatusSending,
	}
	p.win.add(m, true, now)
	return *m, m.Envelope()
}

// Receive classifies an inbound envelope. Duplicates are matched, in order,
// by correlation id, by server id, and finally by the own-message
// heuristic. The heuristic only applies to envelopes without a correlation
// id. A duplicate that carries a server id for an own SENDING message
// promotes it to SENT; the caller must still discard it. Identities are
// remembered for the session, so a replay stays a duplicate after its
// message has left the window.
func (p *Processor) Receive(env wire.MessageEnvelope) (Message, Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := p.match(env); t != nil {
		p.merge(t, env)
		return *t.msg, Duplicate
	}
	if p.win.known(env.CorrelationID, env.ID) {
		return FromEnvelope(env), Duplicate
	}

	m := FromEnvelope(env)
	if m.CorrelationID == "" {
		m.CorrelationID = p.newID()
	}
	p.win.add(&m, env.SenderID == p.self, p.now())
	return m, Accepted
}

func (p *Processor) match(env wire.MessageEnvelope) *tracked {
	if env.CorrelationID != "" {
		if t, ok := p.win.byCorr[env.CorrelationID]; ok {
			return t
		}
	}
	if env.ID != "" {
		if t, ok := p.win.byID[env.ID]; ok {
			return t
		}
	}
	// An envelope with its own correlation id that matched nothing above is
	// a different message, however similar it looks.
	if env.CorrelationID != "" || env.SenderID != p.self {
		return nil
	}
	for i := len(p.win.entries) - 1; i >= 0; i-- {
		t := p.win.entries[i]
		if !t.own || t.msg.Content != env.Content {
			continue
		}
		if t.msg.ID != "" && env.ID != "" && t.msg.ID != env.ID {
			continue
		}
		if absDuration(t.msg.SentAt.Sub(env.SentAt)) < HeuristicWindow {
			return t
		}
	}
	return nil
}

func (p *Processor) merge(t *tracked, env wire.MessageEnvelope) {
	if env.ID != "" && t.msg.ID == "" {
		t.msg.ID = env.ID
		p.win.indexID(t)
	}
	if env.ConversationID != "" && t.msg.ConversationID == "" {
		t.msg.ConversationID = env.ConversationID
	}
	if env.ID != "" && canAdvance(t.msg.Status, StatusSent) {
		t.msg.Status = StatusSent
	}
}

// Acknowledge promotes the SENDING message matching ack's correlation id to
// SENT and records the server id and conversation id.
func (p *Processor) Acknowledge(ack wire.AckPayload) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.win.byCorr[ack.CorrelationID]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownCorrelation, ack.CorrelationID)
	}
	if ack.ID != "" && t.msg.ID == "" {
		t.msg.ID = ack.ID
		p.win.indexID(t)
	}
	if ack.ConversationID != "" {
		t.msg.ConversationID = ack.ConversationID
	}
	if canAdvance(t.msg.Status, StatusSent) {
		t.msg.Status = StatusSent
	}
	t.msg.Error = ""
	return *t.msg, nil
}

// Fail marks a single in-flight message ERROR.
func (p *Processor) Fail(correlationID, reason string) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.win.byCorr[correlationID]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if !canAdvance(t.msg.Status, StatusError) {
		return *t.msg, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.msg.Status, StatusError)
	}
	t.msg.Status = StatusError
	t.msg.Error = reason
	return *t.msg, nil
}

// Retry moves an ERROR message back to SENDING under the same correlation
// id and returns the envelope to publish again.
func (p *Processor) Retry(correlationID string) (Message, wire.MessageEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.win.byCorr[correlationID]
	if !ok {
		return Message{}, wire.MessageEnvelope{}, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if t.msg.Status != StatusError {
		return *t.msg, wire.MessageEnvelope{}, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, t.msg.Status)
	}
	now := p.now()
	t.msg.Status = StatusSending
	t.msg.Error = ""
	t.msg.SentAt = now
	p.win.touch(t, now)
	return *t.msg, t.msg.Envelope(), nil
}

// ApplyReceipt advances tracked messages named by r and returns the ones
// that changed.
func (p *Processor) ApplyReceipt(r wire.Receipt) []Message {
	var to Status
	switch r.Status {
	case wire.ReceiptDelivered:
		to = StatusDelivered
	case wire.ReceiptRead:
		to = StatusRead
	default:
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var changed []Message
	for _, id := range r.MessageIDs {
		t, ok := p.win.byID[id]
		if !ok || !canAdvance(t.msg.Status, to) {
			continue
		}
		t.msg.Status = to
		changed = append(changed, *t.msg)
	}
	return changed
}

// Get returns the tracked message with the given correlation id.
func (p *Processor) Get(correlationID string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.win.byCorr[correlationID]
	if !ok {
		return Message{}, false
	}
	return *t.msg, true
}

// Pending returns own messages still SENDING, oldest first.
func (p *Processor) Pending() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, t := range p.win.entries {
		if t.own && t.msg.Status == StatusSending {
			out = append(out, *t.msg)
		}
	}
	return out
}

// Len returns the number of tracked messages.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.win.len()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
