package transcribe

import (
	"context"
	"errors"
)

// Result is one recognition event from a stream. Final results are committed
// in arrival order; interim results supersede each other.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Stream is an active recognition session. Results closes when the stream
// terminates, after which Err reports the terminal error, if any.
type Stream interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Results() <-chan Result
	Close() error
	Err() error
}

// Recognizer starts continuous, interim-enabled recognition streams.
type Recognizer interface {
	Start(ctx context.Context, language string) (Stream, error)
}

// Benign recognition errors are swallowed rather than surfaced: the platform
// reporting silence or an intentional abort is not a failure.
var (
	ErrNoSpeech = errors.New("no speech detected")
	ErrAborted  = errors.New("recognition aborted")
)

func IsBenign(err error) bool {
	return errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted)
}
