package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NeboLoop/chatsync-go-sdk/frame"
	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// Channel names. Per-user channels survive reconnects; group topics are
// re-joined by the session for conversations the user opened.
func InboxChannel(userID string) string { return "user/" + userID + "/inbox" }

func CallsChannel(userID string) string { return "user/" + userID + "/calls" }

func SignalChannel(userID string) string { return "user/" + userID + "/signal" }

func GroupChannel(conversationID string) string { return "group/" + conversationID }

func isPersistent(channel string) bool { return strings.HasPrefix(channel, "user/") }

// normalizeChannel trims, collapses duplicate slashes and drops a leading
// slash so that equivalent spellings map to one subscription.
func normalizeChannel(channel string) (string, error) {
	name := strings.TrimSpace(channel)
	if name == "" {
		return "", fmt.Errorf("chatsync: empty channel name")
	}
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", fmt.Errorf("chatsync: invalid channel name %q", channel)
	}
	return name, nil
}

// Delivery is one payload pushed on a subscribed channel.
type Delivery struct {
	Channel string
	Kind    string
	Seq     uint64
	Content json.RawMessage
}

// Handler receives deliveries for one channel.
type Handler func(Delivery)

// SubscriptionHandle identifies one Subscribe call. It goes inert once the
// channel is subscribed again or unsubscribed.
type SubscriptionHandle struct {
	channel string
	id      uint64
}

// Channel returns the normalized channel name.
func (h SubscriptionHandle) Channel() string { return h.channel }

type subscription struct {
	id      uint64
	channel string
	handler Handler
	active  bool
}

// link is the part of the client the registry talks through.
type link interface {
	sendFrame(ctx context.Context, typ uint8, v any) error
	connected() bool
}

// registry maps channel names to at most one handler each.
type registry struct {
	link    link
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	subs    map[string]*subscription
	waiters map[string][]chan error
	nextID  uint64
}

func newRegistry(l link, timeout time.Duration, logger *slog.Logger) *registry {
	return &registry{
		link:    l,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string]*subscription),
		waiters: make(map[string][]chan error),
	}
}

// subscribe records handler for channel, replacing any prior handler.
// A channel already active on the wire is not subscribed twice.
func (r *registry) subscribe(ctx context.Context, channel string, handler Handler) (SubscriptionHandle, error) {
	name, err := normalizeChannel(channel)
	if err != nil {
		return SubscriptionHandle{}, err
	}
	ctx, span := tracer.Start(ctx, "chatsync.subscribe")
	defer span.End()

	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, channel: name, handler: handler}
	if prev, ok := r.subs[name]; ok {
		sub.active = prev.active
	}
	r.subs[name] = sub
	h := SubscriptionHandle{channel: name, id: sub.id}
	if sub.active || !r.link.connected() {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	if err := r.activate(ctx, sub); err != nil {
		recordErr(span, err)
		return h, err
	}
	return h, nil
}

// unsubscribe removes the subscription behind h if it is still current.
func (r *registry) unsubscribe(ctx context.Context, h SubscriptionHandle) {
	r.mu.Lock()
	sub, ok := r.subs[h.channel]
	if !ok || sub.id != h.id {
		r.mu.Unlock()
		return
	}
	delete(r.subs, h.channel)
	wasActive := sub.active
	r.mu.Unlock()

	if wasActive && r.link.connected() {
		if err := r.link.sendFrame(ctx, frame.TypeUnsubscribe, wire.SubscribePayload{Channel: h.channel}); err != nil {
			r.logger.Debug("unsubscribe not sent", "channel", h.channel, "error", err)
		}
	}
}

// activate sends SUBSCRIBE and waits for the gateway's verdict. A refused
// channel is dropped from the registry.
func (r *registry) activate(ctx context.Context, sub *subscription) error {
	ch := make(chan error, 1)
	r.mu.Lock()
	r.waiters[sub.channel] = append(r.waiters[sub.channel], ch)
	r.mu.Unlock()

	err := r.link.sendFrame(ctx, frame.TypeSubscribe, wire.SubscribePayload{Channel: sub.channel})
	if err == nil {
		timer := time.NewTimer(r.timeout)
		select {
		case err = <-ch:
		case <-timer.C:
			err = fmt.Errorf("no answer within %s", r.timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropWaiter(sub.channel, ch)
	if err != nil {
		var refused *SubscriptionError
		if !errors.As(err, &refused) {
			return &SubscriptionError{Channel: sub.channel, Err: err}
		}
		if cur := r.subs[sub.channel]; cur == sub {
			delete(r.subs, sub.channel)
		}
		return err
	}
	// A replacement that arrived while waiting rides on the same wire
	// subscription.
	if cur, ok := r.subs[sub.channel]; ok {
		cur.active = true
	}
	return nil
}

func (r *registry) dropWaiter(channel string, ch chan error) {
	list := r.waiters[channel]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, channel)
	} else {
		r.waiters[channel] = list
	}
}

// resolve answers pending activations. Called from the read loop.
func (r *registry) resolve(channel, reason string, ok bool) {
	name, err := normalizeChannel(channel)
	if err != nil {
		return
	}
	var result error
	if !ok {
		result = &SubscriptionError{Channel: name, Reason: reason}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[name] {
		select {
		case w <- result:
		default:
		}
	}
}

// deliver hands d to the channel's current handler.
func (r *registry) deliver(d Delivery) {
	name, err := normalizeChannel(d.Channel)
	if err != nil {
		return
	}
	r.mu.Lock()
	sub, ok := r.subs[name]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("delivery for unknown channel", "channel", name, "kind", d.Kind)
		return
	}
	d.Channel = name
	sub.handler(d)
}

// restore re-subscribes every inactive persistent channel after a connect.
// Failures are returned together; each channel is tried.
func (r *registry) restore(ctx context.Context) []error {
	r.mu.Lock()
	var pending []*subscription
	for _, sub := range r.subs {
		if !sub.active && isPersistent(sub.channel) {
			pending = append(pending, sub)
		}
	}
	r.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].channel < pending[j].channel })

	var errs []error
	for _, sub := range pending {
		if err := r.activate(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// connectionLost marks persistent channels inactive, forgets group topics
// and fails anyone waiting on the dead connection.
func (r *registry) connectionLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, sub := range r.subs {
		if isPersistent(name) {
			sub.active = false
		} else {
			delete(r.subs, name)
		}
	}
	r.failWaiters()
}

// clear forgets every subscription.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*subscription)
	r.failWaiters()
}

func (r *registry) failWaiters() {
	for _, list := range r.waiters {
		for _, w := range list {
			select {
			case w <- ErrNotConnected:
			default:
			}
		}
	}
}

func (r *registry) active(channel string) bool {
	name, err := normalizeChannel(channel)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[name]
	return ok && sub.active
}

func (r *registry) has(channel string) bool {
	name, err := normalizeChannel(channel)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[name]
	return ok
}

func (r *registry) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for name := range r.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
