package call

import (
	"context"
	"encoding/json"

	"github.com/NeboLoop/chatsync-go-sdk/wire"
)

// PeerState is reported by a Peer as its transport progresses.
type PeerState string

const (
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected" // transient, may recover
	PeerFailed       PeerState = "failed"       // terminal
	PeerClosed       PeerState = "closed"
)

// LocalMedia is the captured microphone/camera stream.
type LocalMedia interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

// Peer is one negotiated media session. Payloads are opaque session
// descriptions and candidates that only the engine understands.
type Peer interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOffer(ctx context.Context, offer json.RawMessage) (answer json.RawMessage, err error)
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddICECandidate(ctx context.Context, candidate json.RawMessage) error
	Close() error
}

// MediaEngine captures local media and builds peers. The host platform
// provides it; the SDK never touches codecs or devices.
type MediaEngine interface {
	AcquireLocalMedia(ctx context.Context, video bool) (LocalMedia, error)
	NewPeer(ctx context.Context, callID string, media LocalMedia,
		onCandidate func(json.RawMessage), onState func(PeerState)) (Peer, error)
}

// Controller is the server-side call control plane.
type Controller interface {
	Initiate(ctx context.Context, receiverID string, t Type) (callID string, err error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
}

// Publisher delivers a signaling envelope to another user.
type Publisher interface {
	PublishSignal(ctx context.Context, to string, env wire.SignalEnvelope) error
}
