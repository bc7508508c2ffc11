package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NeboLoop/chatsync-go-sdk/call"
	"github.com/NeboLoop/chatsync-go-sdk/conversation"
	"github.com/NeboLoop/chatsync-go-sdk/envelope"
	"github.com/NeboLoop/chatsync-go-sdk/frame"
	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// bind routes component observers through the client's event goroutine.
func (c *Client) bind() {
	c.convs.OnChange(func(list []conversation.Conversation) {
		c.events.post(func() { c.onConversations.emit(list) })
	})
	c.calls.OnChange(func(s call.Session) {
		c.events.post(func() { c.onCall.emit(s) })
	})
	c.calls.OnError(c.emitError)
}

// OnMessage registers an observer for every accepted inbound message.
// Duplicates never reach it.
func (c *Client) OnMessage(fn func(envelope.Message)) { c.onMessage.add(fn) }

// OnMessageStatus registers an observer for status changes of tracked
// messages: SENT on acknowledgment, ERROR on rejection, DELIVERED and READ
// on receipts.
func (c *Client) OnMessageStatus(fn func(envelope.Message)) { c.onStatus.add(fn) }

// OnConversations registers an observer for the sorted conversation list.
func (c *Client) OnConversations(fn func([]conversation.Conversation)) {
	c.onConversations.add(fn)
}

// OnCall registers an observer for call session snapshots.
func (c *Client) OnCall(fn func(call.Session)) { c.onCall.add(fn) }

// Calls returns the call state machine of this client.
func (c *Client) Calls() *call.Machine { return c.calls }

// Conversations returns the sorted conversation list.
func (c *Client) Conversations() []conversation.Conversation { return c.convs.List() }

// Message returns a tracked message by correlation id.
func (c *Client) Message(correlationID string) (envelope.Message, bool) {
	return c.proc.Get(correlationID)
}

// --- Channels ---

func (c *Client) ensureUserChannels(ctx context.Context) []error {
	channels := []struct {
		name    string
		handler Handler
	}{
		{InboxChannel(c.userID), c.handleChat},
		{CallsChannel(c.userID), c.handleCall},
		{SignalChannel(c.userID), c.handleSignal},
	}
	var errs []error
	for _, ch := range channels {
		if _, err := c.reg.subscribe(ctx, ch.name, ch.handler); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Client) rejoinGroups(ctx context.Context) []error {
	var errs []error
	for _, id := range c.convs.OpenedGroups() {
		if err := c.joinGroup(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Client) joinGroup(ctx context.Context, conversationID string) error {
	h, err := c.reg.subscribe(ctx, GroupChannel(conversationID), c.handleChat)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.groups[conversationID] = h
	c.mu.Unlock()
	return nil
}

// --- Inbound ---

func (c *Client) handleChat(d Delivery) {
	switch d.Kind {
	case wire.KindMessage, "":
		var env wire.MessageEnvelope
		if err := json.Unmarshal(d.Content, &env); err != nil {
			c.logger.Debug("bad message envelope", "channel", d.Channel, "error", err)
			return
		}
		c.receive(env)
	case wire.KindReceipt:
		var r wire.Receipt
		if err := json.Unmarshal(d.Content, &r); err != nil {
			c.logger.Debug("bad receipt", "channel", d.Channel, "error", err)
			return
		}
		for _, m := range c.proc.ApplyReceipt(r) {
			c.onStatus.emit(m)
		}
	default:
		c.logger.Debug("ignoring delivery", "channel", d.Channel, "kind", d.Kind)
	}
}

// receive runs one inbound envelope through duplicate filtering. An echo
// of an own message is dropped, but the id it carries still promotes the
// local copy and confirms a provisional conversation.
func (c *Client) receive(env wire.MessageEnvelope) {
	var before envelope.Message
	var tracked bool
	if env.CorrelationID != "" {
		before, tracked = c.proc.Get(env.CorrelationID)
	}

	m, outcome := c.proc.Receive(env)
	if outcome == envelope.Duplicate {
		if m.SenderID == c.userID && !m.IsGroup() && m.ConversationID != "" {
			c.convs.Reconcile(m.ReceiverID, m.ConversationID)
		}
		if tracked && before.Status != m.Status {
			c.onStatus.emit(m)
		}
		c.logger.Debug("duplicate message dropped", "correlation_id", m.CorrelationID, "id", m.ID)
		return
	}
	c.convs.ApplyMessage(m)
	c.onMessage.emit(m)
}

func (c *Client) handleAck(ack wire.AckPayload) {
	m, err := c.proc.Acknowledge(ack)
	if err != nil {
		c.logger.Debug("ack for untracked message", "correlation_id", ack.CorrelationID, "error", err)
		return
	}
	if !m.IsGroup() && m.ConversationID != "" {
		c.convs.Reconcile(m.ReceiverID, m.ConversationID)
	}
	c.onStatus.emit(m)
}

func (c *Client) handleNack(nack wire.NackPayload) {
	m, err := c.proc.Fail(nack.CorrelationID, nack.Reason)
	if err != nil {
		c.logger.Debug("nack not applied", "correlation_id", nack.CorrelationID, "error", err)
		return
	}
	c.logger.Warn("message rejected", "correlation_id", m.CorrelationID, "reason", nack.Reason)
	c.onStatus.emit(m)
}

// Call traffic runs on its own queue so that slow media or call-control
// work never holds up chat deliveries. Order within the queue is kept.
func (c *Client) handleCall(d Delivery) {
	var n wire.CallNotification
	if err := json.Unmarshal(d.Content, &n); err != nil {
		c.logger.Debug("bad call notification", "error", err)
		return
	}
	c.callq.post(func() { c.calls.HandleNotification(context.Background(), n) })
}

func (c *Client) handleSignal(d Delivery) {
	var env wire.SignalEnvelope
	if err := json.Unmarshal(d.Content, &env); err != nil {
		c.logger.Debug("bad signal envelope", "error", err)
		return
	}
	c.callq.post(func() { _ = c.calls.HandleSignal(context.Background(), env) })
}

// --- Outbound ---

// Send publishes a message optimistically. The returned message is in
// SENDING and moves to SENT when the gateway acknowledges it. If the
// message cannot be handed to the connection it is marked ERROR and can be
// retried; no other message is affected.
func (c *Client) Send(ctx context.Context, d envelope.Draft) (envelope.Message, error) {
	ctx, span := tracer.Start(ctx, "chatsync.send", trace.WithAttributes(
		attribute.String("conversation_id", d.ConversationID),
		attribute.Bool("group", d.ReceiverID == ""),
	))
	defer span.End()

	if d.ReceiverID == "" {
		if d.ConversationID == "" || conversation.IsProvisionalID(d.ConversationID) {
			return envelope.Message{}, fmt.Errorf("%w: group message needs a conversation id", ErrUnknownConversation)
		}
	} else {
		if conversation.IsProvisionalID(d.ConversationID) {
			d.ConversationID = ""
		}
		if d.ConversationID == "" {
			if conv, ok := c.convs.FindDirect(d.ReceiverID); ok && !conv.Provisional {
				d.ConversationID = conv.ID
			}
		}
	}

	m, env := c.proc.Send(d)
	c.convs.ApplyMessage(m)
	if err := c.publishEnvelope(ctx, env); err != nil {
		recordErr(span, err)
		return c.failSend(m, err), err
	}
	return m, nil
}

// SendDirect sends a text message to peerID.
func (c *Client) SendDirect(ctx context.Context, peerID, content string) (envelope.Message, error) {
	return c.Send(ctx, envelope.Draft{ReceiverID: peerID, Content: content, ContentType: wire.ContentText})
}

// SendGroup sends a text message to a group conversation.
func (c *Client) SendGroup(ctx context.Context, conversationID, content string) (envelope.Message, error) {
	return c.Send(ctx, envelope.Draft{ConversationID: conversationID, Content: content, ContentType: wire.ContentText})
}

// Retry publishes an ERROR message again under its original correlation id.
func (c *Client) Retry(ctx context.Context, correlationID string) (envelope.Message, error) {
	m, env, err := c.proc.Retry(correlationID)
	if err != nil {
		return m, err
	}
	c.events.post(func() { c.onStatus.emit(m) })
	if err := c.publishEnvelope(ctx, env); err != nil {
		return c.failSend(m, err), err
	}
	return m, nil
}

func (c *Client) failSend(m envelope.Message, cause error) envelope.Message {
	failed, err := c.proc.Fail(m.CorrelationID, cause.Error())
	if err != nil {
		if cur, ok := c.proc.Get(m.CorrelationID); ok {
			return cur
		}
		return m
	}
	c.logger.Warn("message not sent", "correlation_id", m.CorrelationID, "error", cause)
	c.events.post(func() { c.onStatus.emit(failed) })
	return failed
}

// failPending marks every message still waiting for an ACK as ERROR. The
// connection that carried them is gone, so no ACK will come; Retry
// republishes them under the same correlation id.
func (c *Client) failPending(cause error) {
	for _, m := range c.proc.Pending() {
		failed, err := c.proc.Fail(m.CorrelationID, cause.Error())
		if err != nil {
			continue
		}
		c.events.post(func() { c.onStatus.emit(failed) })
	}
}

func (c *Client) publishEnvelope(ctx context.Context, env wire.MessageEnvelope) error {
	channel := GroupChannel(env.ConversationID)
	if env.ReceiverID != "" {
		channel = InboxChannel(env.ReceiverID)
	}
	content, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("chatsync: marshal envelope: %w", err)
	}
	return c.publish(ctx, channel, wire.KindMessage, content)
}

func (c *Client) publish(ctx context.Context, channel, kind string, content json.RawMessage) error {
	return c.sendFrame(ctx, frame.TypePublish, wire.PublishPayload{Channel: channel, Kind: kind, Content: content})
}

// signalPublisher carries call signaling over the peer's signal channel.
type signalPublisher struct{ c *Client }

func (p signalPublisher) PublishSignal(ctx context.Context, to string, env wire.SignalEnvelope) error {
	content, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.c.publish(ctx, SignalChannel(to), wire.KindSignal, content)
}

// --- Conversations ---

// LoadConversations fetches the conversation list over REST and merges it
// into the local summaries.
func (c *Client) LoadConversations(ctx context.Context) ([]conversation.Conversation, error) {
	items, err := c.api.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	list := make([]conversation.Conversation, 0, len(items))
	for _, it := range items {
		list = append(list, it.Summary())
	}
	c.convs.Load(list)
	return c.convs.List(), nil
}

// StartConversation returns the DIRECT conversation with peerID. Without
// prior history a provisional conversation is created; it is confirmed by
// a REST lookup when the backend already knows the pair, or later by the
// first acknowledged message.
func (c *Client) StartConversation(ctx context.Context, peerID string) (conversation.Conversation, error) {
	if peerID == "" || peerID == c.userID {
		return conversation.Conversation{}, fmt.Errorf("chatsync: invalid peer %q", peerID)
	}
	conv := c.convs.StartDirect(peerID)
	if !conv.Provisional {
		return conv, nil
	}
	item, err := c.api.PrivateConversation(ctx, peerID)
	if err != nil {
		c.logger.Debug("private conversation lookup failed", "peer_id", peerID, "error", err)
		return conv, nil
	}
	if item != nil {
		if summary := item.Summary(); summary.HasParticipant(peerID) && summary.HasParticipant(c.userID) {
			c.convs.Load([]conversation.Conversation{summary})
			c.convs.Reconcile(peerID, item.ID)
		}
	}
	if found, ok := c.convs.FindDirect(peerID); ok {
		return found, nil
	}
	return conv, nil
}

// OpenConversation focuses a conversation and clears its unread count.
// Group topics are joined and stay joined, across reconnects, until
// LeaveGroup. Opening a DIRECT conversation marks it read on the server in
// the background.
func (c *Client) OpenConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	conv, ok := c.convs.Open(id)
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	switch conv.Kind {
	case conversation.Group:
		if err := c.joinGroup(ctx, conv.ID); err != nil {
			return conv, err
		}
	case conversation.Direct:
		if !conv.Provisional {
			peer := conv.Peer(c.userID)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
				defer cancel()
				if err := c.api.MarkRead(ctx, peer); err != nil {
					c.logger.Debug("mark read failed", "peer_id", peer, "error", err)
				}
			}()
		}
	}
	return conv, nil
}

// Focused returns the id of the open conversation, if any.
func (c *Client) Focused() string { return c.convs.Focused() }

// CloseConversation clears the focus. Messages arriving afterwards count
// as unread again.
func (c *Client) CloseConversation() { c.convs.Blur() }

// LeaveGroup unsubscribes from a group topic and drops the conversation.
func (c *Client) LeaveGroup(ctx context.Context, conversationID string) {
	c.mu.Lock()
	h, ok := c.groups[conversationID]
	delete(c.groups, conversationID)
	c.mu.Unlock()
	if ok {
		c.reg.unsubscribe(ctx, h)
	}
	c.convs.Remove(conversationID)
}

// SyncConversation fetches one page of history over REST and runs it
// through the same duplicate filter as live deliveries. It returns the
// messages not seen before, oldest first. Use it for the open conversation:
// history for an unfocused conversation counts as unread.
func (c *Client) SyncConversation(ctx context.Context, conversationID string, page, size int) ([]envelope.Message, error) {
	if conversation.IsProvisionalID(conversationID) {
		return nil, nil
	}
	items, err := c.api.Messages(ctx, conversationID, page, size)
	if err != nil {
		return nil, fmt.Errorf("sync conversation %s: %w", conversationID, err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp.Time)
	})

	var fresh []envelope.Message
	for _, it := range items {
		m, outcome := c.proc.Receive(it.Envelope())
		if outcome == envelope.Duplicate {
			continue
		}
		c.convs.ApplyMessage(m)
		fresh = append(fresh, m)
	}
	return fresh, nil
}

// --- Calls ---

// StartCall places a call to peerID.
func (c *Client) StartCall(ctx context.Context, peerID string, t call.Type) (call.Session, error) {
	if !c.connected() {
		return call.Session{}, fmt.Errorf("start call: %w", ErrNotConnected)
	}
	s, err := c.calls.Initiate(ctx, peerID, t)
	if err != nil && !errors.Is(err, call.ErrBusy) {
		c.logger.Warn("call not started", "peer_id", peerID, "error", err)
	}
	return s, err
}
