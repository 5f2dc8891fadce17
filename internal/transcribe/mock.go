package transcribe

import (
	"context"
	"fmt"
	"sync"
)

// MockRecognizer produces placeholder transcripts, for development without a
// recognition provider.
type MockRecognizer struct{}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (r *MockRecognizer) Start(_ context.Context, _ string) (Stream, error) {
	return &mockStream{results: make(chan Result, 8)}, nil
}

type mockStream struct {
	mu      sync.Mutex
	bytes   int
	closed  bool
	results chan Result
}

func (s *mockStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.bytes += len(chunk)
	select {
	case s.results <- Result{Text: fmt.Sprintf("[interim %d bytes]", s.bytes)}:
	default:
	}
	return nil
}

func (s *mockStream) CloseSend() error {
	s.finish()
	return nil
}

func (s *mockStream) Results() <-chan Result {
	return s.results
}

func (s *mockStream) Close() error {
	s.finish()
	return nil
}

func (s *mockStream) Err() error { return nil }

func (s *mockStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.bytes > 0 {
		select {
		case s.results <- Result{Text: fmt.Sprintf("[transcript %d bytes]", s.bytes), Final: true}:
		default:
		}
	}
	close(s.results)
}
