package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidRecording indicates an invalid recording identifier.
	ErrInvalidRecording = errors.New("invalid recording")
	// ErrRecordingNotFound indicates a recording could not be found.
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrPlaybackNotFound indicates a playback session could not be found.
	ErrPlaybackNotFound = errors.New("playback not found")
	// ErrForbidden indicates the viewer may not access a recording.
	ErrForbidden = errors.New("forbidden")
	// ErrBufferStopped indicates a packet buffer was stopped before the
	// awaited packet arrived. It marks cancellation, never a failure.
	ErrBufferStopped = errors.New("buffer stopped")
	// ErrPlayerClosed indicates the player loop is no longer running.
	ErrPlayerClosed = errors.New("player closed")
	// ErrUnknownCommand indicates an unsupported playback command.
	ErrUnknownCommand = errors.New("unknown playback command")
)

// Decode failure kinds.
var (
	ErrMissingField    = errors.New("missing field")
	ErrFieldType       = errors.New("invalid field type")
	ErrInvalidVersion  = errors.New("unsupported message version")
	ErrOutOfOrderID    = errors.New("out of order id")
	ErrOutOfOrderPos   = errors.New("out of order pos")
	ErrOutOfBounds     = errors.New("out of input/output bounds")
	ErrExtraInput      = errors.New("extra input present")
	ErrExtraOutput     = errors.New("extra output present")
	ErrInvalidTiming   = errors.New("invalid timing string")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMissingCursor   = errors.New("entry has no cursor")
	ErrMissingMessage  = errors.New("entry has no message")
	ErrUnsupportedKind = errors.New("unsupported packet kind")
)

// DecodeError wraps a decode failure kind with where it happened.
type DecodeError struct {
	Kind   error
	Field  string
	Offset int
	Detail string
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Field)
	}
	if e.Offset > 0 {
		msg = fmt.Sprintf("%s at offset %d", msg, e.Offset)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the failure kind.
func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}
