package models

import (
	"errors"
	"fmt"
)

// Delivery errors shared across the engine.
var (
	// ErrAborted indicates the request was aborted by the caller.
	ErrAborted = errors.New("segment request aborted")

	// ErrTimeout indicates a transfer did not answer in time.
	ErrTimeout = errors.New("segment request timed out")

	// ErrNotAvailable indicates no peer can currently serve the segment.
	ErrNotAvailable = errors.New("segment not available via p2p")

	// ErrPeerBusy indicates the peer already has an outbound download.
	ErrPeerBusy = errors.New("peer is busy downloading")

	// ErrSegmentAbsent indicates the remote peer does not hold the segment.
	ErrSegmentAbsent = errors.New("segment absent on peer")

	// ErrProtocol indicates a malformed or unexpected peer message.
	ErrProtocol = errors.New("peer protocol error")

	// ErrStreamNotFound indicates an unknown stream id.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrSegmentNotFound indicates an unknown segment id.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrStorage indicates the storage backend failed to persist or read
	// segment data.
	ErrStorage = errors.New("segment storage failure")

	// ErrClosed indicates the component has been shut down.
	ErrClosed = errors.New("closed")
)

// LoadErrorReason classifies a failed segment load for the player adapter.
type LoadErrorReason string

const (
	ReasonTimeout   LoadErrorReason = "timeout"
	ReasonExhausted LoadErrorReason = "exhausted"
	ReasonAborted   LoadErrorReason = "aborted"
	ReasonStorage   LoadErrorReason = "storage"
	ReasonProtocol  LoadErrorReason = "protocol"
)

// LoadError is the structured error handed to the player adapter.
type LoadError struct {
	Reason LoadErrorReason
	Key    SegmentKey
	Err    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("loading segment %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("loading segment %s: %s: %v", e.Key, e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError classifies err into a LoadError.
func NewLoadError(key SegmentKey, err error) *LoadError {
	var le *LoadError
	if errors.As(err, &le) {
		return le
	}

	reason := ReasonExhausted
	switch {
	case errors.Is(err, ErrAborted):
		reason = ReasonAborted
	case errors.Is(err, ErrTimeout):
		reason = ReasonTimeout
	}
	return &LoadError{Reason: reason, Key: key, Err: err}
}
