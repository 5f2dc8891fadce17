package transcribe

import (
	"sync"
	"testing"
	"time"
)

func newTestWSStream(resultsCap, audioCap int) *wsStream {
	return &wsStream{
		results: make(chan Result, resultsCap),
		audio:   make(chan []byte, audioCap),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

func TestSendAudioCloseSendConcurrent(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := newTestWSStream(1, 1)

		drained := make(chan struct{})
		go func() {
			for range s.audio {
			}
			close(drained)
		}()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				// Must never panic, even when the close lands mid-send;
				// after the close it returns an error instead.
				_ = s.SendAudio([]byte{byte(j)})
			}
		}()
		go func() {
			defer wg.Done()
			_ = s.CloseSend()
		}()
		wg.Wait()
		<-drained
	}
}

func TestSendAudioAfterCloseSendErrors(t *testing.T) {
	s := newTestWSStream(1, 1)
	if err := s.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if err := s.SendAudio([]byte("pcm")); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestEmitBlocksInsteadOfDropping(t *testing.T) {
	s := newTestWSStream(1, 1)

	s.emit(Result{Text: "first", Final: true})

	delivered := make(chan struct{})
	go func() {
		s.emit(Result{Text: "second", Final: true})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("emit must block while the buffer is full, not drop")
	case <-time.After(50 * time.Millisecond):
	}

	if got := <-s.results; got.Text != "first" {
		t.Fatalf("unexpected first result: %q", got.Text)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("emit did not complete after the consumer drained")
	}
	if got := <-s.results; got.Text != "second" {
		t.Fatalf("final result dropped: %q", got.Text)
	}
}

func TestEmitReleasedByQuit(t *testing.T) {
	s := newTestWSStream(0, 1)

	released := make(chan struct{})
	go func() {
		s.emit(Result{Text: "stuck", Final: true})
		close(released)
	}()

	close(s.quit)
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("emit not released by quit")
	}
}
