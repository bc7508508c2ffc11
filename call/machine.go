package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

var tracer = otel.Tracer("github.com/NeboLoop/chatsync-go-sdk/call")

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine owns the single call session of the local user. Local actions
// and remote events may arrive from any goroutine. State is guarded by mu,
// which is never held across controller, engine or publisher calls; gen
// changes whenever a session ends so that late results of a finished call
// are discarded.
type Machine struct {
	mu     sync.Mutex
	self   string
	ctrl   Controller
	engine MediaEngine
	relay  *Relay
	logger *slog.Logger
	now    func() time.Time

	s         Session
	gen       uint64
	media     LocalMedia
	peer      Peer
	offerSent bool
	answered  bool

	onChange []func(Session)
	onError  []func(error)
}

// NewMachine creates an idle call machine for self. A nil engine means
// this client cannot take calls: incoming invites are rejected.
func NewMachine(self string, ctrl Controller, engine MediaEngine, pub Publisher, opts ...Option) *Machine {
	m := &Machine{
		self:   self,
		ctrl:   ctrl,
		engine: engine,
		logger: slog.Default(),
		now:    time.Now,
		s:      Session{Status: StatusIdle},
	}
	for _, o := range opts {
		o(m)
	}
	m.relay = NewRelay(self, pub, m.logger)
	m.relay.sink = m
	return m
}

// Relay returns the signaling relay bound to this machine.
func (m *Machine) Relay() *Relay { return m.relay }

// Session returns a snapshot of the current call.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// OnChange registers an observer for every session snapshot, including
// the ENDED snapshot emitted right before the reset to IDLE.
func (m *Machine) OnChange(fn func(Session)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// OnError registers an observer for failures that happen outside a local
// action, e.g. while answering a remote accept.
func (m *Machine) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = append(m.onError, fn)
	m.mu.Unlock()
}

// Initiate places a call to receiverID.
func (m *Machine) Initiate(ctx context.Context, receiverID string, t Type) (Session, error) {
	ctx, span := tracer.Start(ctx, "call.initiate", trace.WithAttributes(
		attribute.String("call.type", string(t)),
		attribute.String("call.receiver_id", receiverID),
	))
	defer span.End()

	if m.engine == nil {
		return Session{}, ErrNoMedia
	}
	if receiverID == "" || receiverID == m.self {
		return Session{}, fmt.Errorf("call: invalid receiver %q", receiverID)
	}

	m.mu.Lock()
	if m.s.Status != StatusIdle {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	gen := m.begin(Session{
		Type:         t,
		Status:       StatusOutgoingPending,
		CallerID:     m.self,
		CalleeID:     receiverID,
		VideoEnabled: t == TypeVideo,
		StartedAt:    m.now(),
	})
	fx := effects{states: []Session{m.s}}
	m.mu.Unlock()
	m.flush(fx)

	media, err := m.engine.AcquireLocalMedia(ctx, t == TypeVideo)
	if err != nil {
		err = &MediaAcquisitionError{Err: err}
		m.abort(gen, ReasonMediaFailed)
		recordErr(span, err)
		return Session{}, err
	}
	if !m.attachMedia(gen, media) {
		return Session{}, ErrCallEnded
	}

	callID, err := m.ctrl.Initiate(ctx, receiverID, t)
	if err != nil {
		m.abort(gen, ReasonControlError)
		recordErr(span, err)
		return Session{}, fmt.Errorf("call: initiate: %w", err)
	}
	span.SetAttributes(attribute.String("call.id", callID))

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		// Hung up while the request was in flight.
		m.bestEffort(ctx, "end", callID, m.ctrl.End)
		return Session{}, ErrCallEnded
	}
	if m.s.CallID == "" {
		m.s.CallID = callID
	}
	s := m.s
	m.mu.Unlock()
	m.flush(effects{states: []Session{s}})
	return s, nil
}

// Accept answers the pending incoming call.
func (m *Machine) Accept(ctx context.Context) (Session, error) {
	ctx, span := tracer.Start(ctx, "call.accept")
	defer span.End()

	m.mu.Lock()
	if m.s.Status != StatusIncomingPending {
		st := m.s.Status
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: accept in %s", ErrInvalidState, st)
	}
	m.s.Status = StatusConnecting
	gen, callID, t := m.gen, m.s.CallID, m.s.Type
	fx := effects{states: []Session{m.s}}
	m.mu.Unlock()
	m.flush(fx)
	span.SetAttributes(attribute.String("call.id", callID))

	media, err := m.engine.AcquireLocalMedia(ctx, t == TypeVideo)
	if err != nil {
		err = &MediaAcquisitionError{CallID: callID, Err: err}
		if m.abort(gen, ReasonMediaFailed) {
			m.bestEffort(ctx, "reject", callID, m.ctrl.Reject)
		}
		recordErr(span, err)
		return Session{}, err
	}
	if !m.attachMedia(gen, media) {
		return Session{}, ErrCallEnded
	}

	// The peer must exist before the caller learns of the accept, since the
	// offer follows immediately.
	peer, err := m.engine.NewPeer(ctx, callID, media, m.candidateSink(gen), m.peerStateSink(gen))
	if err != nil {
		if m.abort(gen, ReasonPeerFailed) {
			m.bestEffort(ctx, "reject", callID, m.ctrl.Reject)
		}
		recordErr(span, err)
		return Session{}, fmt.Errorf("call: create peer: %w", err)
	}
	if !m.attachPeer(gen, peer) {
		return Session{}, ErrCallEnded
	}

	if err := m.ctrl.Accept(ctx, callID); err != nil {
		m.abort(gen, ReasonControlError)
		recordErr(span, err)
		return Session{}, fmt.Errorf("call: accept: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return Session{}, ErrCallEnded
	}
	return m.s, nil
}

// Reject declines the pending incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	if m.s.Status != StatusIncomingPending {
		st := m.s.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, st)
	}
	callID := m.s.CallID
	var fx effects
	m.finish(&fx, ReasonRejected)
	m.mu.Unlock()
	m.flush(fx)

	if err := m.ctrl.Reject(ctx, callID); err != nil {
		return fmt.Errorf("call: reject: %w", err)
	}
	return nil
}

// Hangup ends the current call, cancelling it if it is still ringing.
func (m *Machine) Hangup(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "call.hangup")
	defer span.End()

	m.mu.Lock()
	switch m.s.Status {
	case StatusIdle, StatusEnded:
		m.mu.Unlock()
		return fmt.Errorf("%w: nothing to hang up", ErrInvalidState)
	case StatusIncomingPending:
		m.mu.Unlock()
		return m.Reject(ctx)
	}
	callID := m.s.CallID
	var fx effects
	m.finish(&fx, ReasonHangup)
	m.mu.Unlock()
	m.flush(fx)

	if callID == "" {
		return nil
	}
	span.SetAttributes(attribute.String("call.id", callID))
	if err := m.ctrl.End(ctx, callID); err != nil {
		recordErr(span, err)
		return fmt.Errorf("call: end: %w", err)
	}
	return nil
}

// SetMuted toggles the local microphone. Only valid while media is live.
func (m *Machine) SetMuted(muted bool) error {
	m.mu.Lock()
	if !m.s.Status.live() || m.media == nil {
		st := m.s.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: mute in %s", ErrInvalidState, st)
	}
	media := m.media
	m.s.Muted = muted
	fx := effects{states: []Session{m.s}}
	m.mu.Unlock()

	media.SetAudioEnabled(!muted)
	m.flush(fx)
	return nil
}

// SetVideoEnabled toggles the local camera. Only valid while media is live.
func (m *Machine) SetVideoEnabled(enabled bool) error {
	m.mu.Lock()
	if !m.s.Status.live() || m.media == nil {
		st := m.s.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: video toggle in %s", ErrInvalidState, st)
	}
	media := m.media
	m.s.VideoEnabled = enabled
	fx := effects{states: []Session{m.s}}
	m.mu.Unlock()

	media.SetVideoEnabled(enabled)
	m.flush(fx)
	return nil
}

// HandleNotification applies a call-control notification from the
// per-user calls channel.
func (m *Machine) HandleNotification(ctx context.Context, n wire.CallNotification) {
	switch n.Type {
	case wire.CallIncoming:
		m.onIncoming(ctx, n)
	case wire.CallAccepted:
		m.onAccepted(ctx, n)
	case wire.CallRejected:
		m.onRemoteEnd(n, ReasonRejected)
	case wire.CallEnded:
		m.onRemoteEnd(n, ReasonRemoteEnded)
	default:
		m.logger.Debug("ignoring call notification", "type", n.Type, "call_id", n.CallID)
	}
}

// HandleSignal routes an inbound signaling envelope through the relay.
func (m *Machine) HandleSignal(ctx context.Context, env wire.SignalEnvelope) error {
	return m.relay.OnSignal(ctx, env)
}

func (m *Machine) onIncoming(ctx context.Context, n wire.CallNotification) {
	if n.CallID == "" {
		return
	}
	m.mu.Lock()
	if n.CallID == m.s.CallID {
		m.mu.Unlock()
		return
	}
	if m.s.Status != StatusIdle || m.engine == nil {
		m.mu.Unlock()
		m.logger.Info("rejecting incoming call", "call_id", n.CallID, "caller_id", n.CallerID, "busy", m.engine != nil)
		m.bestEffort(ctx, "reject", n.CallID, m.ctrl.Reject)
		return
	}
	t := ParseType(n.CallType)
	m.begin(Session{
		CallID:       n.CallID,
		Type:         t,
		Status:       StatusIncomingPending,
		CallerID:     n.CallerID,
		CalleeID:     m.self,
		CallerName:   n.CallerName,
		VideoEnabled: t == TypeVideo,
		StartedAt:    m.now(),
	})
	fx := effects{states: []Session{m.s}}
	m.mu.Unlock()
	m.flush(fx)
}

// onAccepted starts negotiation on the caller side. The offer is created
// exactly once per call.
func (m *Machine) onAccepted(ctx context.Context, n wire.CallNotification) {
	m.mu.Lock()
	if m.s.Status != StatusOutgoingPending || !m.matches(n) || m.offerSent || m.media == nil {
		m.mu.Unlock()
		return
	}
	if m.s.CallID == "" {
		m.s.CallID = n.CallID
	}
	m.s.Status = StatusConnecting
	m.offerSent = true
	gen, callID, to, media := m.gen, m.s.CallID, m.s.CalleeID, m.media
	fx := effects{states: []Session{m.s}}
	m.mu.Unlock()
	m.flush(fx)

	peer, err := m.engine.NewPeer(ctx, callID, media, m.candidateSink(gen), m.peerStateSink(gen))
	if err != nil {
		m.fail(ctx, gen, ReasonPeerFailed, fmt.Errorf("call %s: create peer: %w", callID, err))
		return
	}
	if !m.attachPeer(gen, peer) {
		return
	}
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		m.fail(ctx, gen, ReasonSignalFailed, fmt.Errorf("call %s: create offer: %w", callID, err))
		return
	}
	if err := m.relay.SendOffer(ctx, callID, to, offer); err != nil {
		m.fail(ctx, gen, ReasonSignalFailed, err)
	}
}

func (m *Machine) onRemoteEnd(n wire.CallNotification, reason string) {
	m.mu.Lock()
	if m.s.Status == StatusIdle || !m.matches(n) {
		m.mu.Unlock()
		return
	}
	var fx effects
	m.finish(&fx, reason)
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) deliverSignal(ctx context.Context, env wire.SignalEnvelope) error {
	m.mu.Lock()
	if env.CallID != m.s.CallID || !m.s.Status.live() || m.peer == nil {
		st := m.s.Status
		m.mu.Unlock()
		return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "no negotiating call in state " + string(st)}
	}
	counterpart := m.s.Counterpart(m.self)
	if env.From != "" && env.From != counterpart {
		m.mu.Unlock()
		return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "unexpected sender " + env.From}
	}
	caller := m.s.IsCaller(m.self)
	switch env.Type {
	case wire.SignalOffer:
		if caller || m.answered {
			m.mu.Unlock()
			return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "out of sequence"}
		}
		m.answered = true
	case wire.SignalAnswer:
		if !caller || !m.offerSent || m.answered {
			m.mu.Unlock()
			return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "out of sequence"}
		}
		m.answered = true
	}
	peer, gen := m.peer, m.gen
	m.mu.Unlock()

	switch env.Type {
	case wire.SignalOffer:
		answer, err := peer.AcceptOffer(ctx, env.Payload)
		if err != nil {
			serr := &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "apply offer", Err: err}
			m.fail(ctx, gen, ReasonSignalFailed, serr)
			return serr
		}
		if err := m.relay.SendAnswer(ctx, env.CallID, counterpart, answer); err != nil {
			m.fail(ctx, gen, ReasonSignalFailed, err)
			return err
		}
	case wire.SignalAnswer:
		if err := peer.AcceptAnswer(ctx, env.Payload); err != nil {
			serr := &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "apply answer", Err: err}
			m.fail(ctx, gen, ReasonSignalFailed, serr)
			return serr
		}
	case wire.SignalICECandidate:
		if err := peer.AddICECandidate(ctx, env.Payload); err != nil {
			return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "add candidate", Err: err}
		}
	}
	return nil
}

func (m *Machine) candidateSink(gen uint64) func(json.RawMessage) {
	return func(candidate json.RawMessage) {
		m.mu.Lock()
		if m.gen != gen || !m.s.Status.live() {
			m.mu.Unlock()
			return
		}
		callID, to := m.s.CallID, m.s.Counterpart(m.self)
		m.mu.Unlock()
		if err := m.relay.SendICECandidate(context.Background(), callID, to, candidate); err != nil {
			m.reportError(err)
		}
	}
}

func (m *Machine) peerStateSink(gen uint64) func(PeerState) {
	return func(st PeerState) {
		switch st {
		case PeerConnected:
			m.mu.Lock()
			if m.gen != gen || m.s.Status != StatusConnecting {
				m.mu.Unlock()
				return
			}
			m.s.Status = StatusActive
			m.s.ConnectedAt = m.now()
			fx := effects{states: []Session{m.s}}
			m.mu.Unlock()
			m.flush(fx)
		case PeerFailed:
			m.fail(context.Background(), gen, ReasonPeerFailed, errors.New("call: peer connection failed"))
		}
	}
}

// --- helpers ---

// effects are applied by flush once m.mu is released.
type effects struct {
	states []Session
	media  LocalMedia
	peer   Peer
}

func (m *Machine) flush(fx effects) {
	if fx.peer != nil {
		_ = fx.peer.Close()
	}
	if fx.media != nil {
		fx.media.Stop()
	}
	if len(fx.states) == 0 {
		return
	}
	m.mu.Lock()
	observers := append(([]func(Session))(nil), m.onChange...)
	m.mu.Unlock()
	for _, s := range fx.states {
		m.logger.Debug("call state", "call_id", s.CallID, "status", s.Status, "reason", s.EndReason)
		for _, fn := range observers {
			fn(s)
		}
	}
}

// begin starts a new session. m.mu held.
func (m *Machine) begin(s Session) uint64 {
	m.gen++
	m.s = s
	m.offerSent, m.answered = false, false
	return m.gen
}

// finish emits ENDED, hands held resources to fx and resets to IDLE.
// m.mu held.
func (m *Machine) finish(fx *effects, reason string) {
	m.s.Status = StatusEnded
	m.s.EndReason = reason
	fx.states = append(fx.states, m.s)
	fx.media, fx.peer = m.media, m.peer
	m.media, m.peer = nil, nil
	m.offerSent, m.answered = false, false
	m.gen++
	m.s = Session{Status: StatusIdle}
	fx.states = append(fx.states, m.s)
}

// abort finishes the session of generation gen if it is still current.
func (m *Machine) abort(gen uint64, reason string) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	var fx effects
	m.finish(&fx, reason)
	m.mu.Unlock()
	m.flush(fx)
	return true
}

// fail aborts the call, tells the server and reports err.
func (m *Machine) fail(ctx context.Context, gen uint64, reason string, err error) {
	m.mu.Lock()
	callID := m.s.CallID
	m.mu.Unlock()
	if !m.abort(gen, reason) {
		return
	}
	if callID != "" {
		m.bestEffort(ctx, "end", callID, m.ctrl.End)
	}
	m.reportError(err)
}

func (m *Machine) attachMedia(gen uint64, media LocalMedia) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		media.Stop()
		return false
	}
	m.media = media
	m.mu.Unlock()
	return true
}

func (m *Machine) attachPeer(gen uint64, peer Peer) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = peer.Close()
		return false
	}
	m.peer = peer
	m.mu.Unlock()
	return true
}

// matches reports whether n refers to the current call. An outgoing call
// may not know its id yet when the accept races the initiate response.
// m.mu held.
func (m *Machine) matches(n wire.CallNotification) bool {
	if n.CallID != "" && n.CallID == m.s.CallID {
		return true
	}
	return m.s.CallID == "" && m.s.Status == StatusOutgoingPending &&
		(n.ReceiverID == "" || n.ReceiverID == m.s.CalleeID)
}

func (m *Machine) bestEffort(ctx context.Context, op, callID string, fn func(context.Context, string) error) {
	if err := fn(context.WithoutCancel(ctx), callID); err != nil {
		m.logger.Warn("call control failed", "op", op, "call_id", callID, "error", err)
	}
}

func (m *Machine) reportError(err error) {
	m.logger.Warn("call error", "error", err)
	m.mu.Lock()
	observers := append(([]func(error))(nil), m.onError...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
