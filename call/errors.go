package call

import (
	"errors"
	"fmt"
)

var (
	ErrBusy         = errors.New("call: another call is in progress")
	ErrInvalidState = errors.New("call: action not valid in current state")
	ErrNoMedia      = errors.New("call: no media engine configured")
	ErrCallEnded    = errors.New("call: call ended while in progress")
)

// MediaAcquisitionError means local capture could not be started.
type MediaAcquisitionError struct {
	CallID string
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("call %s: acquire media: %v", e.CallID, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// SignalingError describes a signaling envelope that was dropped.
type SignalingError struct {
	CallID string
	Type   string
	Reason string
	Err    error
}

func (e *SignalingError) Error() string {
	msg := fmt.Sprintf("signal %s for call %s: %s", e.Type, e.CallID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SignalingError) Unwrap() error { return e.Err }
