package capture

import (
	"context"
	"errors"
	"io"
	"time"
)

// State of a recording session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
)

var (
	// ErrPermissionDenied is returned by Start when the microphone cannot be
	// acquired, whether refused or simply absent.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNoSession is returned by Stop when no session is recording or paused.
	ErrNoSession = errors.New("no active recording session")
)

// DeviceConfig describes how the microphone should be captured.
type DeviceConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// DeviceSession is a live handle on the one physical microphone. Close
// releases the device; a leaked handle blocks every subsequent session.
type DeviceSession interface {
	io.ReadCloser
}

// Device grants exclusive access to the microphone.
type Device interface {
	Open(ctx context.Context, cfg DeviceConfig) (DeviceSession, error)
}

// Recording is the immutable artifact materialized when a session stops.
type Recording struct {
	ID              string
	EncounterID     string
	AudioBlob       []byte
	DurationSeconds int
	FinalTranscript string
	Timestamp       time.Time
}
