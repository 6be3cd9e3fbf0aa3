package framesync

import (
	"errors"
	"fmt"
)

// Protocol violation kinds. Violations are reported to the caller, logged
// and counted; the synchronizer does not try to repair them.
var (
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrDuplicateConnect    = errors.New("duplicate connect")
	ErrDuplicateReady      = errors.New("duplicate ready")
	ErrNotTicking          = errors.New("frame loop not running")
	ErrFrameMismatch       = errors.New("frame number mismatch")
	ErrLateSubmission      = errors.New("submission for a released frame")
	ErrDuplicateSubmission = errors.New("duplicate frame submission")
	ErrQueueFull           = errors.New("command queue full")
)

// Violation describes a message that broke the synchronization protocol.
type Violation struct {
	Kind   error
	RoleID int32
	Frame  int64
	Detail string
}

func (v *Violation) Error() string {
	msg := fmt.Sprintf("framesync: %v (role %d, frame %d)", v.Kind, v.RoleID, v.Frame)
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return msg
}

func (v *Violation) Unwrap() error { return v.Kind }

// KindName returns a metric label for a violation kind.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrDuplicateConnect):
		return "duplicate_connect"
	case errors.Is(err, ErrDuplicateReady):
		return "duplicate_ready"
	case errors.Is(err, ErrNotTicking):
		return "not_ticking"
	case errors.Is(err, ErrFrameMismatch):
		return "frame_mismatch"
	case errors.Is(err, ErrLateSubmission):
		return "late_submission"
	case errors.Is(err, ErrDuplicateSubmission):
		return "duplicate_submission"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	}
	return "other"
}
