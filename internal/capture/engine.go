package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scribecare/scribe-core/internal/config"
	"github.com/scribecare/scribe-core/internal/protocol"
)

// Publisher broadcasts audio chunks on the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Engine owns the microphone stream lifecycle for one encounter at a time.
// It emits one audio chunk per tick interval while recording, tracks elapsed
// duration, and materializes a Recording on stop.
type Engine struct {
	cfg    config.CaptureConfig
	device Device
	pub    Publisher
	logger *slog.Logger

	mu   sync.Mutex
	sess *session
}

type session struct {
	id          string
	encounterID string
	state       State
	elapsedMS   int
	seq         int
	chunks      [][]byte
	dev         DeviceSession
	readBuf     []byte
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewEngine(cfg config.CaptureConfig, device Device, pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		device: device,
		pub:    pub,
		logger: logger.With(slog.String("component", "capture")),
	}
}

// Start acquires the microphone and begins a new session in the recording
// state. Any in-progress session is discarded first; its buffers are not
// carried over. Returns ErrPermissionDenied when the device cannot be opened.
func (e *Engine) Start(ctx context.Context, encounterID string) error {
	e.mu.Lock()
	prev := e.sess
	e.sess = nil
	e.mu.Unlock()
	if prev != nil {
		e.teardown(prev)
	}

	dev, err := e.device.Open(ctx, DeviceConfig{
		SampleRate:  e.cfg.SampleRate,
		Channels:    e.cfg.Channels,
		InputFormat: e.cfg.InputFormat,
		InputDevice: e.cfg.InputDevice,
	})
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("open capture device: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		encounterID: encounterID,
		state:       StateRecording,
		dev:         dev,
		readBuf:     make([]byte, e.chunkBytes()),
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	e.mu.Lock()
	e.sess = s
	e.mu.Unlock()

	go e.run(s, time.Duration(e.cfg.ChunkIntervalMS)*time.Millisecond)

	e.logger.Info("recording started",
		slog.String("session_id", s.id),
		slog.String("encounter_id", encounterID))
	return nil
}

// Pause freezes the duration counter and chunk emission. The device is not
// released. No-op unless currently recording.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && e.sess.state == StateRecording {
		e.sess.state = StatePaused
	}
}

// Resume restarts counting and emission. No-op unless currently paused.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && e.sess.state == StatePaused {
		e.sess.state = StateRecording
	}
}

// Stop flushes buffered chunks into one contiguous audio artifact, releases
// the microphone, and materializes a Recording. A session with no captured
// data yields a valid zero-duration Recording.
func (e *Engine) Stop() (Recording, error) {
	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		return Recording{}, ErrNoSession
	}
	e.sess = nil
	e.mu.Unlock()

	s.cancel()
	<-s.done
	e.releaseDevice(s)

	var size int
	for _, c := range s.chunks {
		size += len(c)
	}
	blob := make([]byte, 0, size)
	for _, c := range s.chunks {
		blob = append(blob, c...)
	}

	e.publishChunk(s, nil, true)

	rec := Recording{
		ID:              s.id,
		EncounterID:     s.encounterID,
		AudioBlob:       blob,
		DurationSeconds: s.elapsedMS / 1000,
		Timestamp:       time.Now().UTC(),
	}
	e.logger.Info("recording stopped",
		slog.String("session_id", s.id),
		slog.Int("duration_seconds", rec.DurationSeconds),
		slog.Int("chunks", len(s.chunks)))
	return rec, nil
}

// Reset force-stops whatever session exists and discards its buffers without
// materializing a Recording. Device release is guaranteed on return.
func (e *Engine) Reset() {
	e.mu.Lock()
	s := e.sess
	e.sess = nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	e.teardown(s)
	e.logger.Info("recording discarded", slog.String("session_id", s.id))
}

// State reports the current session state, StateIdle when none exists.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return StateIdle
	}
	return e.sess.state
}

// Elapsed reports whole seconds recorded so far, frozen while paused.
func (e *Engine) Elapsed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return e.sess.elapsedMS / 1000
}

// SessionID returns the active session id, empty when idle.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.id
}

func (e *Engine) run(s *session, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			e.tick(s)
		}
	}
}

// tick captures one chunk interval worth of audio. The device read happens
// outside the lock so a slow device cannot block pause or stop.
func (e *Engine) tick(s *session) {
	e.mu.Lock()
	if e.sess != s || s.state != StateRecording {
		e.mu.Unlock()
		return
	}
	dev := s.dev
	buf := s.readBuf
	e.mu.Unlock()

	n, err := dev.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		e.logger.Warn("capture device read failed", slogError(err))
	}

	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		return
	}
	// A chunk whose read straddled the pause signal was still captured while
	// recording: buffer it rather than drop it. Only elapsed time freezes.
	if s.state == StateRecording {
		s.elapsedMS += e.cfg.ChunkIntervalMS
	}
	var chunk []byte
	if n > 0 {
		chunk = append([]byte(nil), buf[:n]...)
		s.chunks = append(s.chunks, chunk)
	}
	e.mu.Unlock()

	if chunk != nil {
		e.publishChunk(s, chunk, false)
	}
}

func (e *Engine) publishChunk(s *session, pcm []byte, final bool) {
	if e.pub == nil {
		return
	}
	e.mu.Lock()
	seq := s.seq
	s.seq++
	elapsed := s.elapsedMS / 1000
	e.mu.Unlock()

	msg := protocol.AudioChunk{
		SessionID:      s.id,
		EncounterID:    s.encounterID,
		Sequence:       seq,
		SampleRate:     e.cfg.SampleRate,
		Channels:       e.cfg.Channels,
		PCM:            pcm,
		ElapsedSeconds: elapsed,
		Final:          final,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Warn("failed to marshal audio chunk", slogError(err))
		return
	}
	subject := protocol.SubjectCaptureChunkPrefix + "." + s.id
	if err := e.pub.Publish(subject, data); err != nil {
		e.logger.Warn("failed to publish audio chunk", slogError(err))
	}
}

func (e *Engine) teardown(s *session) {
	s.cancel()
	<-s.done
	e.releaseDevice(s)
}

func (e *Engine) releaseDevice(s *session) {
	if err := s.dev.Close(); err != nil {
		e.logger.Warn("capture device close failed", slogError(err))
	}
}

func (e *Engine) chunkBytes() int {
	n := e.cfg.SampleRate * e.cfg.Channels * 2 * e.cfg.ChunkIntervalMS / 1000
	if n < 256 {
		n = 4096
	}
	return n
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
