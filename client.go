// Package chatsync provides a Go client that keeps a chat application in
// sync with its messaging gateway. It connects over WebSocket,
// authenticates, keeps per-user channels subscribed across reconnects,
// tracks outbound messages through to their acknowledgment and drives
// one-to-one audio/video calls over the same connection.
package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NeboLoop/chatsync-go-sdk/call"
	"github.com/NeboLoop/chatsync-go-sdk/conversation"
	"github.com/NeboLoop/chatsync-go-sdk/envelope"
	"github.com/NeboLoop/chatsync-go-sdk/frame"
	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

const (
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultHeartbeatMissThreshold = 3
	DefaultReconnectDelay         = 2 * time.Second
	DefaultMaxReconnectAttempts   = 5
	DefaultAuthTimeout            = 10 * time.Second
	DefaultSubscribeTimeout       = 10 * time.Second

	sendQueueSize = 256
	flushTimeout  = 250 * time.Millisecond
	beaconTimeout = 5 * time.Second
)

// DialFunc opens an upgraded WebSocket connection to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// Config holds connection parameters. Zero values take the defaults above.
type Config struct {
	Endpoint    string // WebSocket URL (e.g. "wss://chat.example.com/ws")
	APIEndpoint string // REST root (e.g. "https://chat.example.com/api"), derived from Endpoint if empty
	UserID      string // taken from the token's sub claim if empty
	Token       string // bearer credential, sent once at connect

	Logger     *slog.Logger
	HTTPClient *http.Client
	Dial       DialFunc

	// Media takes part in calls. Without one the client can still chat,
	// but incoming calls are rejected.
	Media call.MediaEngine

	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
	ReconnectDelay         time.Duration // multiplied by the attempt number
	MaxReconnectAttempts   int
	AuthTimeout            time.Duration
	SubscribeTimeout       time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebSocket
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatMissThreshold <= 0 {
		cfg.HeartbeatMissThreshold = DefaultHeartbeatMissThreshold
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
}

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// SessionInfo is a snapshot of the connection. The token is never exposed.
type SessionInfo struct {
	UserID            string
	State             State
	ReconnectAttempts int
	LastHeartbeatAt   time.Time
}

type outbound struct {
	op   ws.OpCode
	data []byte
}

// Client connects to the chat gateway. Instances share nothing; create as
// many as needed.
type Client struct {
	cfg    Config
	userID string
	logger *slog.Logger
	api    *APIClient
	ids    *frame.IDGen

	reg   *registry
	proc  *envelope.Processor
	convs *conversation.Aggregator
	calls *call.Machine

	events *dispatcher // connection events and chat deliveries
	callq  *dispatcher // call notifications and signals

	mu        sync.Mutex
	token     string
	state     State
	conn      net.Conn
	done      chan struct{} // closed when the current connection ends
	sendCh    chan outbound
	gen       uint64 // bumped whenever a connection is installed or torn down
	epoch     uint64 // bumped by Disconnect, invalidates pending reconnects
	wanted    bool
	closed    bool
	announced bool // OnConnected emitted without a matching OnDisconnected
	attempts  int
	timer     *time.Timer
	cancel    context.CancelFunc
	lastBeat  time.Time
	pingOut   bool
	misses    int
	groups    map[string]SubscriptionHandle

	onConnected     observers[SessionInfo]
	onDisconnected  observers[SessionInfo]
	onError         observers[error]
	onMessage       observers[envelope.Message]
	onStatus        observers[envelope.Message]
	onConversations observers[[]conversation.Conversation]
	onCall          observers[call.Session]
}

// New creates a disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("chatsync: endpoint not configured")
	}
	cfg.applyDefaults()

	userID := cfg.UserID
	if userID == "" {
		cr, err := parseCredentials(cfg.Token, time.Now())
		if err != nil {
			return nil, err
		}
		userID = cr.subject
	}
	if userID == "" {
		return nil, errors.New("chatsync: user id not configured and token carries no subject")
	}

	api, err := NewAPIClient(resolveAPIBase(cfg), userID, cfg.Token, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("chatsync: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		userID: userID,
		logger: cfg.Logger.With("user_id", userID),
		api:    api,
		ids:    frame.NewIDGen(),
		events: newDispatcher(),
		callq:  newDispatcher(),
		token:  cfg.Token,
		state:  StateDisconnected,
		groups: make(map[string]SubscriptionHandle),
	}
	c.reg = newRegistry(c, cfg.SubscribeTimeout, c.logger)
	c.proc = envelope.NewProcessor(userID)
	c.convs = conversation.NewAggregator(userID)
	c.calls = call.NewMachine(userID, api.CallControl(), cfg.Media, signalPublisher{c}, call.WithLogger(c.logger))
	c.bind()
	return c, nil
}

// Connect creates a client and connects it.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Connect dials the gateway and authenticates. It returns the first
// attempt's error; a transport failure keeps retrying in the background
// while an AuthError does not. Calling Connect while connected or
// reconnecting is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.wanted = true
	c.attempts = 0
	epoch := c.epoch
	c.mu.Unlock()

	err := c.attempt(ctx, epoch, 0)
	if err == nil {
		return nil
	}
	c.afterFailure(epoch, err)
	return err
}

// Disconnect closes the connection, cancels any pending reconnect and
// forgets every subscription. It is safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn, done := c.conn, c.done
	if conn != nil {
		c.gen++
		c.conn = nil
		close(done)
	}
	wasDown := c.state == StateDisconnected
	c.state = StateDisconnected
	c.attempts = 0
	announced := c.announced
	c.announced = false
	c.groups = make(map[string]SubscriptionHandle)
	c.mu.Unlock()

	if wasDown && conn == nil {
		return
	}
	c.reg.clear()
	c.failPending(ErrNotConnected)
	if conn != nil {
		// The write loop flushes what is queued, then closes.
		time.AfterFunc(flushTimeout, func() { conn.Close() })
		c.beacon(wire.PresenceOffline)
		c.logger.Info("disconnected from gateway", "endpoint", c.cfg.Endpoint)
	}
	if announced {
		info := c.Session()
		c.events.post(func() { c.onDisconnected.emit(info) })
	}
}

// Teardown is for process or page shutdown: it queues an offline presence
// frame and fires the REST offline beacon without waiting on either, then
// disconnects.
func (c *Client) Teardown() {
	if payload, err := c.encode(frame.TypePresence, wire.PresencePayload{UserID: c.userID, Status: wire.PresenceOffline}); err == nil {
		c.tryEnqueue(outbound{op: ws.OpBinary, data: payload})
	}
	c.Disconnect()
}

// Close disconnects and releases the client's goroutines. A closed client
// cannot reconnect.
func (c *Client) Close() error {
	c.Disconnect()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if s := c.calls.Session(); s.Status != call.StatusIdle {
		_ = c.calls.Hangup(context.Background())
	}
	c.events.stop()
	c.callq.stop()
	return nil
}

// SetToken replaces the bearer credential used by the next connect and by
// REST calls. The live connection is not re-authenticated.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.api.SetToken(token)
}

// Session returns a snapshot of the connection state.
func (c *Client) Session() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		UserID:            c.userID,
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastHeartbeatAt:   c.lastBeat,
	}
}

// UserID returns the local user.
func (c *Client) UserID() string { return c.userID }

// API returns the REST control plane client.
func (c *Client) API() *APIClient { return c.api }

// OnConnected registers an observer called after every successful
// (re)connect, once subscriptions are restored.
func (c *Client) OnConnected(fn func(SessionInfo)) { c.onConnected.add(fn) }

// OnDisconnected registers an observer called when a connected session
// ends, whether by Disconnect or by connection loss.
func (c *Client) OnDisconnected(fn func(SessionInfo)) { c.onDisconnected.add(fn) }

// OnError registers an observer for errors not returned to a caller:
// terminal reconnect failure, credential rejection, restore failures,
// call failures.
func (c *Client) OnError(fn func(error)) { c.onError.add(fn) }

// Subscribe registers handler for channel, replacing any earlier handler.
// Handlers run on the client's event goroutine.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (SubscriptionHandle, error) {
	if handler == nil {
		return SubscriptionHandle{}, errors.New("chatsync: nil handler")
	}
	return c.reg.subscribe(ctx, channel, handler)
}

// Unsubscribe removes the subscription behind h. Stale handles are ignored.
func (c *Client) Unsubscribe(ctx context.Context, h SubscriptionHandle) {
	c.reg.unsubscribe(ctx, h)
}

// Active reports whether channel is subscribed on the live connection.
func (c *Client) Active(channel string) bool { return c.reg.active(channel) }

// Channels lists the registered channels.
func (c *Client) Channels() []string { return c.reg.channels() }

// --- Connection lifecycle ---

func dialWebSocket(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if br != nil {
		// The server spoke before we read; keep its buffered bytes.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// attempt runs one dial + handshake and installs the connection.
func (c *Client) attempt(ctx context.Context, epoch uint64, n int) (err error) {
	ctx, span := tracer.Start(ctx, "chatsync.connect", trace.WithAttributes(
		attribute.String("endpoint", c.cfg.Endpoint),
		attribute.Int("attempt", n),
	))
	defer func() {
		recordErr(span, err)
		span.End()
	}()

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if _, err := parseCredentials(token, time.Now()); err != nil {
		return err
	}

	conn, err := c.cfg.Dial(ctx, c.cfg.Endpoint)
	if err != nil {
		return &ConnectionError{Attempt: n, Err: fmt.Errorf("dial: %w", err)}
	}
	if err := c.handshake(conn, token, n); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed || !c.wanted || c.epoch != epoch {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.done = make(chan struct{})
	c.sendCh = make(chan outbound, sendQueueSize)
	c.state = StateConnected
	c.attempts = 0
	c.pingOut = false
	c.misses = 0
	done, sendCh := c.done, c.sendCh
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	go c.writeLoop(gen, conn, sendCh, done)
	go c.heartbeat(gen, done)

	c.logger.Info("connected to gateway", "endpoint", c.cfg.Endpoint, "attempt", n)
	c.open(ctx, gen)
	return nil
}

func (c *Client) handshake(conn net.Conn, token string, n int) error {
	encoded, err := c.encode(frame.TypeConnect, wire.ConnectPayload{UserID: c.userID, Token: token})
	if err != nil {
		return err
	}
	if err := wsutil.WriteClientBinary(conn, encoded); err != nil {
		return &ConnectionError{Attempt: n, Err: fmt.Errorf("send connect: %w", err)}
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	data, err := wsutil.ReadServerBinary(conn)
	if err != nil {
		return &ConnectionError{Attempt: n, Err: fmt.Errorf("read auth: %w", err)}
	}
	conn.SetReadDeadline(time.Time{})

	h, payload, err := frame.DecodePayload(data)
	if err != nil {
		return &ConnectionError{Attempt: n, Err: fmt.Errorf("decode auth: %w", err)}
	}
	var result wire.AuthResultPayload
	json.Unmarshal(payload, &result)

	switch h.Type {
	case frame.TypeAuthOK:
		return nil
	case frame.TypeAuthFail:
		reason := result.Reason
		if reason == "" {
			reason = "rejected by gateway"
		}
		return &AuthError{Reason: reason}
	}
	return &ConnectionError{Attempt: n, Err: fmt.Errorf("unexpected frame %s during handshake", frame.TypeName(h.Type))}
}

// afterFailure decides what a failed attempt leads to: credential
// failures stop for good, transport failures are retried.
func (c *Client) afterFailure(epoch uint64, err error) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		c.mu.Lock()
		if c.epoch == epoch {
			c.state = StateDisconnected
			c.wanted = false
		}
		c.mu.Unlock()
		c.logger.Error("authentication failed", "error", err)
		c.emitError(err)
		return
	}
	c.scheduleReconnect(epoch, err)
}

// scheduleReconnect arms the next attempt after attempt × ReconnectDelay,
// or gives up once MaxReconnectAttempts have failed.
func (c *Client) scheduleReconnect(epoch uint64, cause error) {
	c.mu.Lock()
	if c.closed || !c.wanted || c.epoch != epoch || c.timer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		n := c.attempts
		c.state = StateDisconnected
		c.wanted = false
		c.mu.Unlock()
		err := &ConnectionError{Attempt: n, Err: fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, n, cause)}
		c.logger.Error("giving up on gateway", "attempts", n, "error", cause)
		c.emitError(err)
		return
	}
	c.attempts++
	n := c.attempts
	c.state = StateConnecting
	delay := time.Duration(n) * c.cfg.ReconnectDelay
	c.timer = time.AfterFunc(delay, func() { c.reconnect(epoch, n) })
	c.mu.Unlock()

	c.logger.Warn("reconnecting", "attempt", n, "delay", delay, "error", cause)
}

func (c *Client) reconnect(epoch uint64, n int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if c.closed || !c.wanted || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.cancel = cancel
	c.mu.Unlock()

	err := c.attempt(ctx, epoch, n)

	c.mu.Lock()
	if c.epoch == epoch {
		c.cancel = nil
	}
	c.mu.Unlock()
	if err != nil {
		c.afterFailure(epoch, err)
	}
}

// open runs once per installed connection: presence, channel restore,
// group re-join, then OnConnected.
func (c *Client) open(ctx context.Context, gen uint64) {
	c.beacon(wire.PresenceOnline)
	if err := c.sendFrame(ctx, frame.TypePresence, wire.PresencePayload{UserID: c.userID, Status: wire.PresenceOnline}); err != nil {
		c.logger.Debug("presence frame not sent", "error", err)
	}

	var errs []error
	errs = append(errs, c.ensureUserChannels(ctx)...)
	errs = append(errs, c.reg.restore(ctx)...)
	errs = append(errs, c.rejoinGroups(ctx)...)
	for _, err := range errs {
		c.logger.Warn("subscription not restored", "error", err)
		c.emitError(err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.announced = true
	c.mu.Unlock()
	info := c.Session()
	c.events.post(func() { c.onConnected.emit(info) })
}

// lost tears down connection gen after a transport failure and schedules
// a reconnect. Late reports about an older connection are ignored, so one
// failure produces exactly one reconnect.
func (c *Client) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.state = StateConnecting
	announced := c.announced
	c.announced = false
	epoch := c.epoch
	c.mu.Unlock()

	conn.Close()
	c.reg.connectionLost()
	c.failPending(cause)
	c.logger.Warn("connection lost", "error", cause)
	if announced {
		info := c.Session()
		c.events.post(func() { c.onDisconnected.emit(info) })
	}
	c.scheduleReconnect(epoch, cause)
}

// revoked ends connection gen without reconnecting.
func (c *Client) revoked(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Disconnect()
	c.logger.Error("session revoked by gateway", "error", err)
	c.emitError(err)
}

// beacon fires a REST presence update without waiting for it.
func (c *Client) beacon(status string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		var err error
		if status == wire.PresenceOnline {
			err = c.api.SetOnline(ctx)
		} else {
			err = c.api.SetOffline(ctx)
		}
		if err != nil {
			c.logger.Debug("presence beacon failed", "status", status, "error", err)
		}
	}()
}

func (c *Client) emitError(err error) {
	c.events.post(func() { c.onError.emit(err) })
}

// --- Internal ---

func (c *Client) readLoop(gen uint64, conn net.Conn) {
	for {
		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			c.lost(gen, &ConnectionError{Err: fmt.Errorf("read: %w", err)})
			return
		}

		h, payload, err := frame.DecodePayload(data)
		if err != nil {
			c.logger.Debug("bad frame", "error", err)
			continue
		}
		if !c.handleFrame(gen, h, payload) {
			return
		}
	}
}

// handleFrame reports whether the read loop should continue.
func (c *Client) handleFrame(gen uint64, h frame.Header, payload []byte) bool {
	switch h.Type {
	case frame.TypeDelivery:
		var d wire.DeliveryPayload
		if err := json.Unmarshal(payload, &d); err != nil {
			c.logger.Debug("bad delivery", "error", err)
			return true
		}
		delivery := Delivery{Channel: d.Channel, Kind: d.Kind, Seq: h.Seq, Content: d.Content}
		c.events.post(func() { c.reg.deliver(delivery) })

	case frame.TypeSubscribeOK, frame.TypeSubscribeFail:
		var res wire.SubscribeResultPayload
		if err := json.Unmarshal(payload, &res); err != nil {
			c.logger.Debug("bad subscribe result", "error", err)
			return true
		}
		c.reg.resolve(res.Channel, res.Reason, h.Type == frame.TypeSubscribeOK)

	case frame.TypeAck:
		var ack wire.AckPayload
		if err := json.Unmarshal(payload, &ack); err != nil {
			c.logger.Debug("bad ack", "error", err)
			return true
		}
		c.events.post(func() { c.handleAck(ack) })

	case frame.TypeNack:
		var nack wire.NackPayload
		if err := json.Unmarshal(payload, &nack); err != nil {
			c.logger.Debug("bad nack", "error", err)
			return true
		}
		c.events.post(func() { c.handleNack(nack) })

	case frame.TypePong:
		c.mu.Lock()
		if gen == c.gen {
			c.pingOut = false
			c.misses = 0
			c.lastBeat = time.Now()
		}
		c.mu.Unlock()

	case frame.TypePing:
		if err := c.sendFrame(context.Background(), frame.TypePong, wire.KeepalivePayload{Timestamp: time.Now().UTC()}); err != nil {
			c.logger.Debug("pong not sent", "error", err)
		}

	case frame.TypeAuthFail:
		var res wire.AuthResultPayload
		json.Unmarshal(payload, &res)
		c.revoked(gen, &AuthError{Reason: res.Reason})
		return false

	case frame.TypeClose:
		var res wire.AuthResultPayload
		json.Unmarshal(payload, &res)
		c.lost(gen, &ConnectionError{Err: fmt.Errorf("closed by gateway: %s", res.Reason)})
		return false

	default:
		c.logger.Debug("ignoring frame", "type", frame.TypeName(h.Type))
	}
	return true
}

func (c *Client) writeLoop(gen uint64, conn net.Conn, sendCh chan outbound, done chan struct{}) {
	for {
		select {
		case out := <-sendCh:
			if err := wsutil.WriteClientMessage(conn, out.op, out.data); err != nil {
				c.lost(gen, &ConnectionError{Err: fmt.Errorf("write: %w", err)})
				return
			}
		case <-done:
			c.flush(conn, sendCh)
			return
		}
	}
}

// flush writes whatever is still queued and closes conn.
func (c *Client) flush(conn net.Conn, sendCh chan outbound) {
	conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case out := <-sendCh:
			if err := wsutil.WriteClientMessage(conn, out.op, out.data); err != nil {
				conn.Close()
				return
			}
		default:
			wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			conn.Close()
			return
		}
	}
}

// heartbeat sends a control ping and an application PING every interval.
// A tick that finds the previous PING unanswered, or that cannot queue its
// own, counts as one miss.
func (c *Client) heartbeat(gen uint64, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		misses, counted, ok := c.beat(gen)
		if !ok {
			return
		}
		if misses >= c.cfg.HeartbeatMissThreshold {
			c.lost(gen, &ConnectionError{Err: fmt.Errorf("%d heartbeats missed", misses)})
			return
		}

		ping, err := c.encode(frame.TypePing, wire.KeepalivePayload{Timestamp: time.Now().UTC()})
		if err != nil {
			continue
		}
		if !c.tryEnqueue(outbound{op: ws.OpPing}) || !c.tryEnqueue(outbound{op: ws.OpBinary, data: ping}) {
			c.unsent(gen, counted)
		}
	}
}

// beat starts a heartbeat tick for connection gen. counted reports whether
// the tick already took a miss for an unanswered PING.
func (c *Client) beat(gen uint64) (misses int, counted, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return 0, false, false
	}
	if c.pingOut {
		c.misses++
		counted = true
	}
	c.pingOut = true
	return c.misses, counted, true
}

// unsent records a tick whose PING never left. Nothing is outstanding, so
// the next tick does not count it a second time.
func (c *Client) unsent(gen uint64, counted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || counted {
		return
	}
	c.misses++
	c.pingOut = false
}

func (c *Client) encode(typ uint8, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chatsync: marshal %s: %w", frame.TypeName(typ), err)
	}
	h := frame.Header{Type: typ, FrameID: c.ids.Next()}
	switch typ {
	case frame.TypePing, frame.TypePong, frame.TypePresence:
		h.Flags |= frame.FlagEphemeral
	}
	return frame.EncodePayload(h, payload)
}

// tryEnqueue queues out without blocking.
func (c *Client) tryEnqueue(out outbound) bool {
	c.mu.Lock()
	sendCh, done, up := c.sendCh, c.done, c.conn != nil
	c.mu.Unlock()
	if !up {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	select {
	case sendCh <- out:
		return true
	default:
		return false
	}
}

// sendFrame queues one frame on the live connection.
func (c *Client) sendFrame(ctx context.Context, typ uint8, v any) error {
	encoded, err := c.encode(typ, v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sendCh, done := c.sendCh, c.done
	c.mu.Unlock()

	select {
	case <-done:
		return ErrNotConnected
	default:
	}
	select {
	case sendCh <- outbound{op: ws.OpBinary, data: encoded}:
		return nil
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
