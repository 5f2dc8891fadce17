package transcribe

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/scribecare/scribe-core/internal/config"
	"github.com/scribecare/scribe-core/internal/protocol"
)

// Publisher broadcasts transcript segments on the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Engine runs live transcription alongside audio capture. It owns its own
// failure domain: recognition errors and restarts never reach the capture
// session. Finalized text accumulates in arrival order; interim text is
// replaced wholesale by each newer guess.
type Engine struct {
	cfg    config.TranscriptionConfig
	rec    Recognizer
	pub    Publisher
	logger *slog.Logger

	mu           sync.Mutex
	sessionGen   int
	listenGen    int
	listening    bool
	sessionID    string
	language     string
	ctx          context.Context
	cancel       context.CancelFunc
	stream       Stream
	consumerDone chan struct{}
	finals       []string
	interim      string
	restarts     int
}

func NewEngine(cfg config.TranscriptionConfig, rec Recognizer, pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		rec:    rec,
		pub:    pub,
		logger: logger.With(slog.String("component", "transcription")),
	}
}

// Start begins continuous transcription for a new capture session, discarding
// any transcript accumulated for a previous one. A recognizer failure here is
// returned but must be treated as non-fatal by the caller: audio capture
// proceeds without live transcription.
func (e *Engine) Start(ctx context.Context, sessionID, language string) error {
	e.stopListening()

	e.mu.Lock()
	e.sessionGen++
	e.sessionID = sessionID
	if language != "" {
		e.language = language
	} else if e.language == "" {
		e.language = e.cfg.Language
	}
	e.finals = nil
	e.interim = ""
	e.restarts = 0
	e.mu.Unlock()

	return e.listen(ctx)
}

// Pause fully stops listening; no recognition runs in the background while
// the capture session is paused. Finals already in flight are still drained
// and committed.
func (e *Engine) Pause() {
	e.stopListening()
	e.mu.Lock()
	e.interim = ""
	e.mu.Unlock()
}

// Resume restarts listening for the same session, re-applying the language
// tag, which may have changed since the pause.
func (e *Engine) Resume(ctx context.Context) error {
	e.stopListening()
	return e.listen(ctx)
}

// SetLanguage changes the language applied on the next listen start.
func (e *Engine) SetLanguage(tag string) {
	if tag == "" {
		return
	}
	e.mu.Lock()
	e.language = tag
	e.mu.Unlock()
}

// Stop ends transcription, waits for in-flight finals to drain, clears the
// interim text, and returns the merged session transcript.
func (e *Engine) Stop() string {
	e.stopListening()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interim = ""
	return Merge(e.finals)
}

// Reset abandons the session transcript entirely.
func (e *Engine) Reset() {
	e.stopListening()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionGen++
	e.sessionID = ""
	e.finals = nil
	e.interim = ""
}

// FinalTranscript returns the committed transcript merged so far.
func (e *Engine) FinalTranscript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Merge(e.finals)
}

// Interim returns the latest in-flight guess, empty when none.
func (e *Engine) Interim() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interim
}

// Restarts reports how many times the recognition stream was transparently
// restarted for the current session.
func (e *Engine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// HandleFrame forwards one capture audio chunk to the active recognition
// stream. Errors are absorbed; transcription trouble never aborts capture.
func (e *Engine) HandleFrame(data []byte) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		e.logger.Warn("failed to decode audio chunk", slogError(err))
		return
	}

	e.mu.Lock()
	st := e.stream
	listening := e.listening
	e.mu.Unlock()
	if !listening || st == nil {
		return
	}

	if chunk.Final {
		if err := st.CloseSend(); err != nil {
			e.logger.Warn("failed to flush recognition stream", slogError(err))
		}
		return
	}
	if len(chunk.PCM) == 0 {
		return
	}
	if err := st.SendAudio(chunk.PCM); err != nil {
		e.logger.Warn("failed to forward audio to recognizer", slogError(err))
	}
}

func (e *Engine) listen(ctx context.Context) error {
	e.mu.Lock()
	e.listenGen++
	e.listening = true
	listenGen := e.listenGen
	sessionGen := e.sessionGen
	language := e.language
	listenCtx, cancel := context.WithCancel(ctx)
	e.ctx = listenCtx
	e.cancel = cancel
	e.mu.Unlock()

	st, err := e.rec.Start(listenCtx, language)
	if err != nil {
		e.mu.Lock()
		e.listening = false
		e.mu.Unlock()
		cancel()
		return err
	}

	done := make(chan struct{})
	e.mu.Lock()
	if e.listenGen != listenGen {
		// Stopped while the recognizer was starting up.
		e.mu.Unlock()
		_ = st.Close()
		close(done)
		return nil
	}
	e.stream = st
	e.consumerDone = done
	e.mu.Unlock()

	go e.consume(sessionGen, listenGen, st, done)
	return nil
}

// stopListening closes the active stream and waits for its consumer to drain
// so finals emitted just before the stop signal are committed, not dropped.
// The listen context is cancelled before the drain wait: the consumer may be
// blocked inside a restart dial, and pause and reset must never wait on one.
func (e *Engine) stopListening() {
	e.mu.Lock()
	e.listening = false
	e.listenGen++
	st := e.stream
	done := e.consumerDone
	cancel := e.cancel
	e.stream = nil
	e.consumerDone = nil
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if st != nil {
		_ = st.Close()
	}
	if done != nil {
		<-done
	}
}

func (e *Engine) consume(sessionGen, listenGen int, st Stream, done chan struct{}) {
	defer close(done)

	for res := range st.Results() {
		e.handleResult(sessionGen, res)
	}

	err := st.Err()

	e.mu.Lock()
	stillListening := e.listening && e.listenGen == listenGen
	ctx := e.ctx
	language := e.language
	e.mu.Unlock()

	if !stillListening {
		return
	}

	// The recognition primitive terminated on its own (platform session
	// limits, transient provider errors) while capture is still rolling:
	// restart transparently without gapping the committed transcript.
	if err != nil && !IsBenign(err) {
		e.logger.Warn("recognition stream failed, restarting", slogError(err))
	}

	next, startErr := e.rec.Start(ctx, language)
	if startErr != nil {
		e.logger.Warn("recognition restart failed", slogError(startErr))
		e.mu.Lock()
		if e.listenGen == listenGen {
			e.listening = false
		}
		e.mu.Unlock()
		return
	}

	nextDone := make(chan struct{})
	e.mu.Lock()
	if !e.listening || e.listenGen != listenGen {
		e.mu.Unlock()
		_ = next.Close()
		close(nextDone)
		return
	}
	e.stream = next
	e.consumerDone = nextDone
	e.restarts++
	e.mu.Unlock()

	go e.consume(sessionGen, listenGen, next, nextDone)
}

func (e *Engine) handleResult(sessionGen int, res Result) {
	e.mu.Lock()
	if e.sessionGen != sessionGen {
		e.mu.Unlock()
		return
	}
	text := res.Text
	if text == "" {
		e.mu.Unlock()
		return
	}
	sessionID := e.sessionID
	if res.Final {
		e.finals = append(e.finals, text)
		e.interim = ""
	} else {
		e.interim = text
	}
	e.mu.Unlock()

	e.publishSegment(sessionID, res)
}

func (e *Engine) publishSegment(sessionID string, res Result) {
	if e.pub == nil {
		return
	}
	msg := protocol.TranscriptSegment{
		SessionID:  sessionID,
		Text:       res.Text,
		Interim:    !res.Final,
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Warn("failed to marshal transcript segment", slogError(err))
		return
	}
	subject := protocol.SubjectTranscriptInterim
	if res.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	if err := e.pub.Publish(subject, data); err != nil {
		e.logger.Warn("failed to publish transcript segment", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
