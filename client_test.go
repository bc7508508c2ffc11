package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/golang-jwt/jwt/v5"

	"github.com/NeboLoop/chatsync-go-sdk/conversation"
	"github.com/NeboLoop/chatsync-go-sdk/envelope"
	"github.com/NeboLoop/chatsync-go-sdk/frame"
	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// gateway is an in-memory chat gateway. Every dial opens a net.Pipe whose
// server end speaks the frame protocol.
type gateway struct {
	mu        sync.Mutex
	conns     []*gwConn
	dials     int
	dialErr   error
	authFail  string
	refuse    map[string]string
	pongFrom  int // answer PING on connections with index >= pongFrom
	onPublish func(gc *gwConn, p wire.PublishPayload)
}

type gwFrame struct {
	typ       uint8
	ephemeral bool
	payload   []byte
}

type gwConn struct {
	gw     *gateway
	index  int
	conn   net.Conn
	wmu    sync.Mutex
	mu     sync.Mutex
	subs   map[string]bool
	frames []gwFrame
	closed chan struct{}
}

func newGateway() *gateway {
	return &gateway{refuse: make(map[string]string)}
}

func (g *gateway) dial(ctx context.Context, endpoint string) (net.Conn, error) {
	g.mu.Lock()
	g.dials++
	if g.dialErr != nil {
		err := g.dialErr
		g.mu.Unlock()
		return nil, err
	}
	client, server := net.Pipe()
	gc := &gwConn{gw: g, index: len(g.conns), conn: server, subs: make(map[string]bool), closed: make(chan struct{})}
	g.conns = append(g.conns, gc)
	g.mu.Unlock()

	go gc.serve()
	return client, nil
}

func (g *gateway) set(fn func(g *gateway)) {
	g.mu.Lock()
	fn(g)
	g.mu.Unlock()
}

func (g *gateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

func (g *gateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *gateway) conn(i int) *gwConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i < 0 || i >= len(g.conns) {
		return nil
	}
	return g.conns[i]
}

func (g *gateway) latest() *gwConn {
	return g.conn(g.connCount() - 1)
}

func (gc *gwConn) serve() {
	defer close(gc.closed)
	for {
		f, err := ws.ReadFrame(gc.conn)
		if err != nil {
			return
		}
		if f.Header.Masked {
			ws.Cipher(f.Payload, f.Header.Mask, 0)
		}
		switch f.Header.OpCode {
		case ws.OpClose:
			gc.conn.Close()
			return
		case ws.OpBinary:
		default:
			continue
		}
		h, payload, err := frame.DecodePayload(f.Payload)
		if err != nil {
			continue
		}
		gc.mu.Lock()
		gc.frames = append(gc.frames, gwFrame{typ: h.Type, ephemeral: h.IsEphemeral(), payload: payload})
		gc.mu.Unlock()
		gc.handle(h, payload)
	}
}

func (gc *gwConn) handle(h frame.Header, payload []byte) {
	g := gc.gw
	switch h.Type {
	case frame.TypeConnect:
		var p wire.ConnectPayload
		json.Unmarshal(payload, &p)
		g.mu.Lock()
		reason := g.authFail
		g.mu.Unlock()
		if reason != "" {
			gc.send(frame.TypeAuthFail, 0, wire.AuthResultPayload{Reason: reason})
			return
		}
		gc.send(frame.TypeAuthOK, 0, wire.AuthResultPayload{OK: true, UserID: p.UserID})

	case frame.TypeSubscribe:
		var p wire.SubscribePayload
		json.Unmarshal(payload, &p)
		g.mu.Lock()
		reason, refused := g.refuse[p.Channel]
		g.mu.Unlock()
		if refused {
			gc.send(frame.TypeSubscribeFail, 0, wire.SubscribeResultPayload{Channel: p.Channel, Reason: reason})
			return
		}
		gc.mu.Lock()
		gc.subs[p.Channel] = true
		gc.mu.Unlock()
		gc.send(frame.TypeSubscribeOK, 0, wire.SubscribeResultPayload{Channel: p.Channel})

	case frame.TypeUnsubscribe:
		var p wire.SubscribePayload
		json.Unmarshal(payload, &p)
		gc.mu.Lock()
		delete(gc.subs, p.Channel)
		gc.mu.Unlock()

	case frame.TypePing:
		g.mu.Lock()
		answer := gc.index >= g.pongFrom
		g.mu.Unlock()
		if answer {
			gc.send(frame.TypePong, 0, wire.KeepalivePayload{Timestamp: time.Now().UTC()})
		}

	case frame.TypePublish:
		var p wire.PublishPayload
		json.Unmarshal(payload, &p)
		g.mu.Lock()
		hook := g.onPublish
		g.mu.Unlock()
		if hook != nil {
			hook(gc, p)
		}
	}
}

func (gc *gwConn) send(typ uint8, seq uint64, v any) {
	payload, _ := json.Marshal(v)
	data, err := frame.Encode(frame.Header{Type: typ, Seq: seq}, payload)
	if err != nil {
		return
	}
	gc.wmu.Lock()
	defer gc.wmu.Unlock()
	ws.WriteFrame(gc.conn, ws.NewBinaryFrame(data))
}

func (gc *gwConn) deliver(channel, kind string, seq uint64, v any) {
	content, _ := json.Marshal(v)
	gc.send(frame.TypeDelivery, seq, wire.DeliveryPayload{Channel: channel, Kind: kind, Content: content})
}

func (gc *gwConn) subscribed(channels ...string) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for _, ch := range channels {
		if !gc.subs[ch] {
			return false
		}
	}
	return true
}

func (gc *gwConn) received(typ uint8) [][]byte {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	var out [][]byte
	for _, f := range gc.frames {
		if f.typ == typ {
			out = append(out, f.payload)
		}
	}
	return out
}

// ephemeral reports whether every received frame of type typ carried the
// ephemeral flag.
func (gc *gwConn) ephemeral(typ uint8) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for _, f := range gc.frames {
		if f.typ == typ && !f.ephemeral {
			return false
		}
	}
	return true
}

func (gc *gwConn) isClosed() bool {
	select {
	case <-gc.closed:
		return true
	default:
		return false
	}
}

// events records what the client reports to its observers.
type events struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	errs         []error
	messages     []envelope.Message
	statuses     []envelope.Message
}

func watch(c *Client) *events {
	e := &events{}
	c.OnConnected(func(SessionInfo) { e.mu.Lock(); e.connected++; e.mu.Unlock() })
	c.OnDisconnected(func(SessionInfo) { e.mu.Lock(); e.disconnected++; e.mu.Unlock() })
	c.OnError(func(err error) { e.mu.Lock(); e.errs = append(e.errs, err); e.mu.Unlock() })
	c.OnMessage(func(m envelope.Message) { e.mu.Lock(); e.messages = append(e.messages, m); e.mu.Unlock() })
	c.OnMessageStatus(func(m envelope.Message) { e.mu.Lock(); e.statuses = append(e.statuses, m); e.mu.Unlock() })
	return e
}

func (e *events) counts() (connected, disconnected int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected, e.disconnected
}

func (e *events) errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func (e *events) inbound() []envelope.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]envelope.Message(nil), e.messages...)
}

func (e *events) status(correlationID string) envelope.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	var last envelope.Status
	for _, m := range e.statuses {
		if m.CorrelationID == correlationID {
			last = m.Status
		}
	}
	return last
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, gw *gateway, mutate func(*Config)) (*Client, *fakeAPI) {
	t.Helper()
	f, srv := newFakeAPI(t)
	cfg := Config{
		Endpoint:          "ws://gateway.test/ws",
		APIEndpoint:       srv.URL + "/api",
		UserID:            "u1",
		Token:             "tok-1",
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		HTTPClient:        srv.Client(),
		Dial:              gw.dial,
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
		AuthTimeout:       time.Second,
		SubscribeTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, f
}

var userChannels = []string{"user/u1/inbox", "user/u1/calls", "user/u1/signal"}

func TestConnectSubscribesUserChannels(t *testing.T) {
	gw := newGateway()
	c, api := newTestClient(t, gw, nil)
	ev := watch(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s := c.Session(); s.State != StateConnected || s.UserID != "u1" {
		t.Fatalf("session = %+v", s)
	}
	if !gw.latest().subscribed(userChannels...) {
		t.Fatal("user channels not subscribed at the gateway")
	}
	for _, ch := range userChannels {
		if !c.Active(ch) {
			t.Fatalf("%s not active", ch)
		}
	}
	waitFor(t, "OnConnected", func() bool { n, _ := ev.counts(); return n == 1 })
	waitFor(t, "online beacon", func() bool { return len(api.calls(http.MethodPost, "/api/chat/online/u1")) == 1 })

	var online bool
	for _, raw := range gw.latest().received(frame.TypePresence) {
		var p wire.PresencePayload
		json.Unmarshal(raw, &p)
		online = online || p.Status == wire.PresenceOnline
	}
	if !online {
		t.Fatal("no online PRESENCE frame")
	}
	if !gw.latest().ephemeral(frame.TypePresence) || gw.latest().ephemeral(frame.TypeSubscribe) {
		t.Fatal("only keepalive and presence frames are ephemeral")
	}

	// A second Connect while connected does nothing.
	if err := c.Connect(context.Background()); err != nil || gw.dialCount() != 1 {
		t.Fatalf("second Connect: err=%v dials=%d", err, gw.dialCount())
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	gw := newGateway()
	gw.authFail = "bad token"
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)

	err := c.Connect(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != "bad token" {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v does not match ErrAuth", err)
	}
	waitFor(t, "OnError", func() bool { return len(ev.errors()) == 1 })

	time.Sleep(50 * time.Millisecond)
	if n := gw.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want no retry", n)
	}
	if s := c.Session().State; s != StateDisconnected {
		t.Fatalf("state = %s", s)
	}
}

func TestExpiredTokenIsNotDialed(t *testing.T) {
	gw := newGateway()
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	c, _ := newTestClient(t, gw, func(cfg *Config) { cfg.Token = token })

	if err := c.Connect(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if n := gw.dialCount(); n != 0 {
		t.Fatalf("dialed %d times with an expired token", n)
	}
}

func TestReconnectRestoresSubscriptionsAndGroups(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.convs.Load([]conversation.Conversation{{ID: "g1", Kind: conversation.Group, Name: "team", ParticipantIDs: []string{"u1", "u2", "u3"}}})
	if _, err := c.OpenConversation(ctx, "g1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if !gw.latest().subscribed("group/g1") {
		t.Fatal("group topic not joined")
	}

	gw.conn(0).conn.Close()

	waitFor(t, "second connection", func() bool { return gw.connCount() == 2 })
	want := append(append([]string(nil), userChannels...), "group/g1")
	waitFor(t, "restored subscriptions", func() bool { return gw.conn(1).subscribed(want...) })
	waitFor(t, "reconnect events", func() bool {
		conn, disc := ev.counts()
		return conn == 2 && disc == 1
	})
	if s := c.Session(); s.State != StateConnected || s.ReconnectAttempts != 0 {
		t.Fatalf("session after reconnect = %+v", s)
	}
}

func TestMissedHeartbeatsReconnectOnce(t *testing.T) {
	gw := newGateway()
	gw.pongFrom = 1
	c, _ := newTestClient(t, gw, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "reconnect after missed heartbeats", func() bool { return gw.connCount() == 2 })
	waitFor(t, "heartbeat answered", func() bool { return !c.Session().LastHeartbeatAt.IsZero() })

	time.Sleep(200 * time.Millisecond)
	if n := gw.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want exactly one reconnect", n)
	}
	if !gw.conn(0).isClosed() {
		t.Fatal("dead connection left open")
	}
	if len(gw.conn(0).received(frame.TypePing)) == 0 || !gw.conn(0).ephemeral(frame.TypePing) {
		t.Fatal("PING frames missing or not ephemeral")
	}
}

func TestReconnectGivesUp(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, func(cfg *Config) {
		cfg.ReconnectDelay = 5 * time.Millisecond
		cfg.MaxReconnectAttempts = 3
	})
	ev := watch(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gw.set(func(g *gateway) { g.dialErr = errors.New("connection refused") })
	gw.conn(0).conn.Close()

	waitFor(t, "terminal error", func() bool { return len(ev.errors()) == 1 })
	err := ev.errors()[0]
	if !errors.Is(err, ErrReconnectExhausted) || !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want exhausted connection error", err)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Attempt != 3 {
		t.Fatalf("err = %#v, want Attempt 3", err)
	}
	if n := gw.dialCount(); n != 4 {
		t.Fatalf("dials = %d, want 1 + 3 retries", n)
	}
	if s := c.Session().State; s != StateDisconnected {
		t.Fatalf("state = %s", s)
	}
}

// echo answers every inbox publish the way the gateway does for a
// first message: the server copy comes back on the sender's inbox.
func echo(conversationID, serverID string) func(*gwConn, wire.PublishPayload) {
	return func(gc *gwConn, p wire.PublishPayload) {
		if p.Kind != wire.KindMessage {
			return
		}
		var env wire.MessageEnvelope
		json.Unmarshal(p.Content, &env)
		env.ID = serverID
		env.ConversationID = conversationID
		gc.deliver(InboxChannel(env.SenderID), wire.KindMessage, 1, env)
	}
}

func TestEchoPromotesMessageAndConfirmsConversation(t *testing.T) {
	gw := newGateway()
	gw.onPublish = echo("c12", "m1")
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conv, err := c.StartConversation(ctx, "u2")
	if err != nil || !conv.Provisional {
		t.Fatalf("StartConversation = %+v, %v", conv, err)
	}

	m, err := c.SendDirect(ctx, "u2", "hello")
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if m.Status != envelope.StatusSending {
		t.Fatalf("optimistic status = %s", m.Status)
	}

	waitFor(t, "SENT", func() bool { return ev.status(m.CorrelationID) == envelope.StatusSent })
	got, _ := c.Message(m.CorrelationID)
	if got.ID != "m1" || got.ConversationID != "c12" {
		t.Fatalf("tracked message = %+v", got)
	}
	if n := len(ev.inbound()); n != 0 {
		t.Fatalf("echo surfaced as %d inbound messages", n)
	}

	list := c.Conversations()
	if len(list) != 1 {
		t.Fatalf("conversations = %+v, want one", list)
	}
	if list[0].ID != "c12" || list[0].Provisional || list[0].UnreadCount != 0 {
		t.Fatalf("conversation = %+v", list[0])
	}

	var published wire.PublishPayload
	json.Unmarshal(gw.latest().received(frame.TypePublish)[0], &published)
	if published.Channel != "user/u2/inbox" {
		t.Fatalf("published to %q", published.Channel)
	}
}

func TestNackThenRetry(t *testing.T) {
	gw := newGateway()
	var attempts int
	gw.onPublish = func(gc *gwConn, p wire.PublishPayload) {
		var env wire.MessageEnvelope
		json.Unmarshal(p.Content, &env)
		attempts++
		if attempts == 1 {
			gc.send(frame.TypeNack, 0, wire.NackPayload{CorrelationID: env.CorrelationID, Reason: "rate limited"})
			return
		}
		gc.send(frame.TypeAck, 0, wire.AckPayload{CorrelationID: env.CorrelationID, ID: "m7", ConversationID: "g1", SentAt: time.Now().UTC()})
	}
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.convs.Load([]conversation.Conversation{{ID: "g1", Kind: conversation.Group, ParticipantIDs: []string{"u1", "u2", "u3"}}})

	m, err := c.SendGroup(ctx, "g1", "standup?")
	if err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	waitFor(t, "ERROR", func() bool { return ev.status(m.CorrelationID) == envelope.StatusError })
	failed, _ := c.Message(m.CorrelationID)
	if failed.Error != "rate limited" {
		t.Fatalf("error = %q", failed.Error)
	}

	if _, err := c.Retry(ctx, m.CorrelationID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, "SENT after retry", func() bool { return ev.status(m.CorrelationID) == envelope.StatusSent })

	var published wire.PublishPayload
	frames := gw.latest().received(frame.TypePublish)
	json.Unmarshal(frames[len(frames)-1], &published)
	var env wire.MessageEnvelope
	json.Unmarshal(published.Content, &env)
	if published.Channel != "group/g1" || env.CorrelationID != m.CorrelationID {
		t.Fatalf("retry published %+v on %q", env, published.Channel)
	}
}

func TestGroupSendNeedsConversation(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	if _, err := c.SendGroup(context.Background(), "", "hi"); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendWhileDisconnectedMarksError(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)

	m, err := c.SendDirect(context.Background(), "u2", "anyone?")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if m.Status != envelope.StatusError {
		t.Fatalf("status = %s, want ERROR", m.Status)
	}
}

func TestReplayedDeliveryIsSurfacedOnce(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env := wire.MessageEnvelope{
		CorrelationID:  "x5",
		ID:             "m5",
		ConversationID: "c12",
		SenderID:       "u2",
		ReceiverID:     "u1",
		Content:        "ping",
		ContentType:    wire.ContentText,
		SentAt:         time.Now().UTC(),
	}
	gc := gw.latest()
	gc.deliver("user/u1/inbox", wire.KindMessage, 1, env)
	gc.deliver("user/u1/inbox", wire.KindMessage, 2, env)

	waitFor(t, "inbound message", func() bool { return len(ev.inbound()) >= 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(ev.inbound()); n != 1 {
		t.Fatalf("message surfaced %d times", n)
	}
	conv, ok := c.convs.Get("c12")
	if !ok || conv.UnreadCount != 1 || conv.LastMessagePreview != "ping" {
		t.Fatalf("conversation = %+v, %v", conv, ok)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	gw := newGateway()
	c, api := newTestClient(t, gw, nil)
	ev := watch(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "OnConnected", func() bool { n, _ := ev.counts(); return n == 1 })

	c.Disconnect()
	c.Disconnect()

	waitFor(t, "OnDisconnected", func() bool { _, n := ev.counts(); return n == 1 })
	waitFor(t, "offline beacon", func() bool { return len(api.calls(http.MethodPost, "/api/chat/offline/u1")) == 1 })
	waitFor(t, "gateway sees close", func() bool { return gw.conn(0).isClosed() })

	time.Sleep(30 * time.Millisecond)
	if _, n := ev.counts(); n != 1 {
		t.Fatalf("OnDisconnected fired %d times", n)
	}
	if n := len(api.calls(http.MethodPost, "/api/chat/offline/u1")); n != 1 {
		t.Fatalf("offline beacon sent %d times", n)
	}
	if s := c.Session().State; s != StateDisconnected {
		t.Fatalf("state = %s", s)
	}
	if got := c.Channels(); len(got) != 0 {
		t.Fatalf("channels after disconnect = %v", got)
	}

	// The client can connect again.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !gw.conn(1).subscribed(userChannels...) {
		t.Fatal("user channels not subscribed after reconnect")
	}
}

func TestTeardownSendsOfflinePresence(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gc := gw.latest()
	c.Teardown()

	waitFor(t, "offline PRESENCE", func() bool {
		for _, raw := range gc.received(frame.TypePresence) {
			var p wire.PresencePayload
			json.Unmarshal(raw, &p)
			if p.Status == wire.PresenceOffline {
				return true
			}
		}
		return false
	})
	waitFor(t, "gateway sees close", gc.isClosed)
}

func TestSubscribeRefusedKeepsSession(t *testing.T) {
	gw := newGateway()
	gw.refuse["group/secret"] = "not a member"
	c, _ := newTestClient(t, gw, nil)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := c.Subscribe(ctx, "group/secret", func(Delivery) {})
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) || subErr.Reason != "not a member" {
		t.Fatalf("err = %v, want SubscriptionError", err)
	}
	if c.Session().State != StateConnected || !c.Active("user/u1/inbox") {
		t.Fatal("refused subscription disturbed the session")
	}
}

func TestSubscribeReplacesHandler(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var mu sync.Mutex
	var first, second int
	if _, err := c.Subscribe(ctx, "group/g9", func(Delivery) { mu.Lock(); first++; mu.Unlock() }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := c.Subscribe(ctx, "group/g9", func(Delivery) { mu.Lock(); second++; mu.Unlock() }); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	if n := len(gw.latest().received(frame.TypeSubscribe)); n != len(userChannels)+1 {
		t.Fatalf("SUBSCRIBE frames = %d", n)
	}

	gw.latest().deliver("group/g9", "custom", 1, map[string]string{"x": "y"})
	waitFor(t, "delivery", func() bool { mu.Lock(); defer mu.Unlock(); return second == 1 })
	mu.Lock()
	defer mu.Unlock()
	if first != 0 {
		t.Fatalf("replaced handler called %d times", first)
	}
}

func TestIncomingCallWithoutMediaIsRejected(t *testing.T) {
	gw := newGateway()
	c, api := newTestClient(t, gw, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gw.latest().deliver("user/u1/calls", wire.KindCall, 1, wire.CallNotification{
		Type:     wire.CallIncoming,
		CallID:   "k1",
		CallerID: "u2",
		CallType: "AUDIO",
	})
	waitFor(t, "reject call", func() bool { return len(api.calls(http.MethodPost, "/api/chat/calls/k1/reject")) == 1 })
}

func TestSignalsGoToPeerChannel(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Calls().Relay().SendOffer(ctx, "k1", "u2", json.RawMessage(`{"sdp":"v=0"}`)); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	waitFor(t, "signal publish", func() bool { return len(gw.latest().received(frame.TypePublish)) == 1 })

	var p wire.PublishPayload
	json.Unmarshal(gw.latest().received(frame.TypePublish)[0], &p)
	var env wire.SignalEnvelope
	json.Unmarshal(p.Content, &env)
	if p.Channel != "user/u2/signal" || p.Kind != wire.KindSignal {
		t.Fatalf("published %+v", p)
	}
	if env.Type != wire.SignalOffer || env.From != "u1" || env.To != "u2" || env.CallID != "k1" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestClosedClientRefusesConnect(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	c.Close()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestConnectionLossFailsUnackedMessages(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m, err := c.SendDirect(ctx, "u2", "hello")
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	waitFor(t, "publish at gateway", func() bool { return len(gw.conn(0).received(frame.TypePublish)) == 1 })

	gw.conn(0).conn.Close()
	waitFor(t, "ERROR after loss", func() bool { return ev.status(m.CorrelationID) == envelope.StatusError })
	waitFor(t, "reconnect", func() bool { return gw.connCount() == 2 && c.Session().State == StateConnected })

	gw.set(func(g *gateway) {
		g.onPublish = func(gc *gwConn, p wire.PublishPayload) {
			var env wire.MessageEnvelope
			json.Unmarshal(p.Content, &env)
			gc.send(frame.TypeAck, 0, wire.AckPayload{CorrelationID: env.CorrelationID, ID: "m1", ConversationID: "c12", SentAt: time.Now().UTC()})
		}
	})
	if _, err := c.Retry(ctx, m.CorrelationID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, "SENT after retry", func() bool { return ev.status(m.CorrelationID) == envelope.StatusSent })
	if got, _ := c.Message(m.CorrelationID); got.ID != "m1" {
		t.Fatalf("message after retry = %+v", got)
	}
}

func TestDisconnectFailsUnackedMessages(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ev := watch(c)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m, err := c.SendDirect(ctx, "u2", "bye")
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	c.Disconnect()

	waitFor(t, "ERROR after disconnect", func() bool { return ev.status(m.CorrelationID) == envelope.StatusError })
	if got, _ := c.Message(m.CorrelationID); got.Error == "" {
		t.Fatalf("failed message carries no reason: %+v", got)
	}
}

func TestHeartbeatCountsOneMissPerTick(t *testing.T) {
	c, _ := newTestClient(t, newGateway(), nil)
	gen := c.gen

	// Ticks whose PING cannot be queued.
	for i := 0; i < 3; i++ {
		misses, counted, ok := c.beat(gen)
		if !ok || misses != i || counted {
			t.Fatalf("tick %d: misses=%d counted=%v ok=%v", i+1, misses, counted, ok)
		}
		c.unsent(gen, counted)
	}
	if misses, _, _ := c.beat(gen); misses != 3 {
		t.Fatalf("after three unsent ticks misses = %d, want 3", misses)
	}

	// A PING left unanswered, then a tick that cannot queue its own.
	c.mu.Lock()
	c.misses, c.pingOut = 0, false
	c.mu.Unlock()
	c.beat(gen)
	_, counted, _ := c.beat(gen)
	c.unsent(gen, counted)
	if misses, _, _ := c.beat(gen); misses != 2 {
		t.Fatalf("misses = %d, want one per tick", misses)
	}

	if _, _, ok := c.beat(gen + 1); ok {
		t.Fatal("tick for a stale connection was accepted")
	}
}

func TestSyncConversationSkipsLiveMessages(t *testing.T) {
	gw := newGateway()
	c, api := newTestClient(t, gw, nil)
	ev := watch(c)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	api.handle("GET /api/chat/conversations", writeJSON([]ConversationItem{{
		ID:           "c12",
		Participants: []string{"u1", "u2"},
		Type:         ConversationOneToOne,
		LastActivity: Timestamp{t0.Add(-time.Hour)},
	}}))
	api.handle("GET /api/chat/messages/c12", writeJSON([]MessageItem{
		{ID: "m2", ConversationID: "c12", SenderID: "u2", ReceiverID: "u1", Content: "are you there?", Timestamp: Timestamp{t0.Add(time.Minute)}},
		{ID: "m1", ConversationID: "c12", SenderID: "u2", ReceiverID: "u1", Content: "hi", Timestamp: Timestamp{t0}},
	}))

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	list, err := c.LoadConversations(ctx)
	if err != nil || len(list) != 1 || list[0].ID != "c12" || list[0].Kind != conversation.Direct {
		t.Fatalf("LoadConversations = %+v, %v", list, err)
	}

	live := wire.MessageEnvelope{CorrelationID: "x1", ID: "m1", ConversationID: "c12", SenderID: "u2", ReceiverID: "u1", Content: "hi", SentAt: t0}
	gw.latest().deliver("user/u1/inbox", wire.KindMessage, 1, live)
	waitFor(t, "live message", func() bool { return len(ev.inbound()) == 1 })

	fresh, err := c.SyncConversation(ctx, "c12", 0, 20)
	if err != nil {
		t.Fatalf("SyncConversation: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != "m2" {
		t.Fatalf("fresh = %+v, want only m2", fresh)
	}
	if conv, _ := c.convs.Get("c12"); conv.UnreadCount != 2 || conv.LastMessagePreview != "are you there?" {
		t.Fatalf("conversation after sync = %+v", conv)
	}

	again, err := c.SyncConversation(ctx, "c12", 0, 20)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sync = %+v, %v", again, err)
	}
	replay := wire.MessageEnvelope{CorrelationID: "x2", ID: "m2", ConversationID: "c12", SenderID: "u2", ReceiverID: "u1", Content: "are you there?", SentAt: t0.Add(time.Minute)}
	gw.latest().deliver("user/u1/inbox", wire.KindMessage, 2, replay)
	gw.latest().deliver("user/u1/inbox", wire.KindMessage, 3, live)

	time.Sleep(30 * time.Millisecond)
	if n := len(ev.inbound()); n != 1 {
		t.Fatalf("OnMessage fired %d times", n)
	}
	if conv, _ := c.convs.Get("c12"); conv.UnreadCount != 2 {
		t.Fatalf("unread after replays = %d", conv.UnreadCount)
	}
}

func TestLeaveGroupUnsubscribesAndForgets(t *testing.T) {
	gw := newGateway()
	c, _ := newTestClient(t, gw, nil)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.convs.Load([]conversation.Conversation{{ID: "g1", Kind: conversation.Group, ParticipantIDs: []string{"u1", "u2", "u3"}}})
	if _, err := c.OpenConversation(ctx, "g1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}

	c.LeaveGroup(ctx, "g1")
	waitFor(t, "UNSUBSCRIBE", func() bool { return !gw.latest().subscribed("group/g1") })
	if _, ok := c.convs.Get("g1"); ok {
		t.Fatal("group conversation still listed")
	}
	for _, ch := range c.Channels() {
		if ch == "group/g1" {
			t.Fatal("group channel still registered")
		}
	}

	gw.conn(0).conn.Close()
	waitFor(t, "reconnect", func() bool { return gw.connCount() == 2 && gw.conn(1).subscribed(userChannels...) })
	time.Sleep(20 * time.Millisecond)
	if gw.conn(1).subscribed("group/g1") {
		t.Fatal("left group re-joined after reconnect")
	}
}

func TestStartConversationConfirmsKnownPair(t *testing.T) {
	gw := newGateway()
	c, api := newTestClient(t, gw, nil)
	api.handle("GET /api/chat/conversations/u1/u2", writeJSON(ConversationItem{ID: "c12", Participants: []string{"u2", "u1"}, Type: ConversationOneToOne}))
	api.handle("GET /api/chat/conversations/u1/u3", writeJSON(ConversationItem{ID: "c99", Participants: []string{"u8", "u9"}, Type: ConversationOneToOne}))
	ctx := context.Background()

	conv, err := c.StartConversation(ctx, "u2")
	if err != nil || conv.ID != "c12" || conv.Provisional {
		t.Fatalf("known pair = %+v, %v", conv, err)
	}
	conv, err = c.StartConversation(ctx, "u3")
	if err != nil || !conv.Provisional {
		t.Fatalf("mismatched lookup should stay provisional: %+v, %v", conv, err)
	}
	if _, ok := c.convs.Get("c99"); ok {
		t.Fatal("conversation of other users was loaded")
	}
}
