// Package call runs the per-user call lifecycle and relays the signaling
// that bootstraps a peer media session between two users.
package call

import "time"

// Type is the media kind of a call.
type Type string

const (
	TypeAudio Type = "AUDIO"
	TypeVideo Type = "VIDEO"
)

// ParseType maps a wire call type to a Type, defaulting to audio.
func ParseType(s string) Type {
	if Type(s) == TypeVideo {
		return TypeVideo
	}
	return TypeAudio
}

// Status is the state of the local call session.
type Status string

const (
	StatusIdle            Status = "IDLE"
	StatusOutgoingPending Status = "OUTGOING_PENDING"
	StatusIncomingPending Status = "INCOMING_PENDING"
	StatusConnecting      Status = "CONNECTING"
	StatusActive          Status = "ACTIVE"
	StatusEnded           Status = "ENDED"
)

// live reports whether media is flowing or being negotiated.
func (s Status) live() bool { return s == StatusConnecting || s == StatusActive }

// End reasons.
const (
	ReasonHangup       = "hangup"
	ReasonRejected     = "rejected"
	ReasonRemoteEnded  = "remote-ended"
	ReasonMediaFailed  = "media-failed"
	ReasonPeerFailed   = "peer-failed"
	ReasonSignalFailed = "signaling-failed"
	ReasonControlError = "control-failed"
)

// Session is a snapshot of the local call. At most one exists per user.
type Session struct {
	CallID       string
	Type         Type
	Status       Status
	CallerID     string
	CalleeID     string
	CallerName   string
	Muted        bool
	VideoEnabled bool
	StartedAt    time.Time
	ConnectedAt  time.Time
	EndReason    string
}

// Counterpart returns the other participant as seen by self.
func (s Session) Counterpart(self string) string {
	if s.CallerID == self {
		return s.CalleeID
	}
	return s.CallerID
}

// IsCaller reports whether self placed the call.
func (s Session) IsCaller(self string) bool { return s.CallerID == self }
