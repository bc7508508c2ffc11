package call

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// signalSink receives validated inbound envelopes.
type signalSink interface {
	deliverSignal(ctx context.Context, env wire.SignalEnvelope) error
}

// Relay carries offers, answers and ICE candidates between the two
// participants of a call over the messaging channel. It does not look
// inside payloads.
type Relay struct {
	self   string
	pub    Publisher
	sink   signalSink
	logger *slog.Logger
}

// NewRelay creates a relay publishing as self.
func NewRelay(self string, pub Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{self: self, pub: pub, logger: logger}
}

func (r *Relay) SendOffer(ctx context.Context, callID, to string, offer json.RawMessage) error {
	return r.send(ctx, wire.SignalOffer, callID, to, offer)
}

func (r *Relay) SendAnswer(ctx context.Context, callID, to string, answer json.RawMessage) error {
	return r.send(ctx, wire.SignalAnswer, callID, to, answer)
}

// SendICECandidate relays one candidate. Candidates are never batched.
func (r *Relay) SendICECandidate(ctx context.Context, callID, to string, candidate json.RawMessage) error {
	return r.send(ctx, wire.SignalICECandidate, callID, to, candidate)
}

func (r *Relay) send(ctx context.Context, typ, callID, to string, payload json.RawMessage) error {
	env := wire.SignalEnvelope{Type: typ, CallID: callID, From: r.self, To: to, Payload: payload}
	if err := r.pub.PublishSignal(ctx, to, env); err != nil {
		return &SignalingError{CallID: callID, Type: typ, Reason: "publish failed", Err: err}
	}
	return nil
}

// OnSignal validates an inbound envelope and hands it to the call session.
// Rejected envelopes are logged and returned as *SignalingError; they never
// change call state.
func (r *Relay) OnSignal(ctx context.Context, env wire.SignalEnvelope) error {
	err := r.check(env)
	if err == nil && r.sink != nil {
		err = r.sink.deliverSignal(ctx, env)
	}
	if err != nil {
		r.logger.Warn("dropping signal", "type", env.Type, "call_id", env.CallID, "from", env.From, "error", err)
	}
	return err
}

func (r *Relay) check(env wire.SignalEnvelope) error {
	switch env.Type {
	case wire.SignalOffer, wire.SignalAnswer, wire.SignalICECandidate:
	default:
		return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "unknown type"}
	}
	if env.CallID == "" {
		return &SignalingError{Type: env.Type, Reason: "missing call id"}
	}
	if env.To != "" && env.To != r.self {
		return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "addressed to " + env.To}
	}
	if len(env.Payload) == 0 || !json.Valid(env.Payload) {
		return &SignalingError{CallID: env.CallID, Type: env.Type, Reason: "malformed payload"}
	}
	return nil
}
