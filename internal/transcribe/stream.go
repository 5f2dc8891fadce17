package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/scribecare/scribe-core/internal/config"
)

// StreamRecognizer speaks the websocket protocol of a streaming STT provider:
// binary frames carry PCM upstream, JSON messages carry interim and final
// transcripts downstream.
type StreamRecognizer struct {
	cfg config.TranscriptionConfig
}

func NewStreamRecognizer(cfg config.TranscriptionConfig) (*StreamRecognizer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("transcription endpoint is not configured")
	}
	return &StreamRecognizer{cfg: cfg}, nil
}

func (r *StreamRecognizer) Start(ctx context.Context, language string) (Stream, error) {
	wsURL, err := r.listenURL(language)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if r.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+r.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("connect to recognition stream: %w", err)
	}

	s := &wsStream{
		conn:    conn,
		results: make(chan Result, 64),
		audio:   make(chan []byte, 32),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.results)
		close(s.done)
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

func (r *StreamRecognizer) listenURL(language string) (string, error) {
	base := strings.TrimSpace(r.cfg.Endpoint)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid transcription endpoint: %w", err)
	}

	query := listenURL.Query()
	if r.cfg.Model != "" {
		query.Set("model", r.cfg.Model)
	}
	encoding := r.cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	query.Set("encoding", encoding)
	query.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	query.Set("channels", strconv.Itoa(r.cfg.Channels))
	query.Set("interim_results", strconv.FormatBool(r.cfg.InterimResults))
	if language != "" {
		query.Set("language", language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

type wsStream struct {
	conn *websocket.Conn

	results chan Result
	audio   chan []byte
	done    chan struct{}
	quit    chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *wsStream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	// The read lock is held across the send itself: CloseSend closes the
	// audio channel under the write lock, so the channel cannot close
	// between the check and the send.
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("stream closed")
	}
}

func (s *wsStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *wsStream) Results() <-chan Result {
	return s.results
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		// quit releases a readLoop blocked on delivering a result, so the
		// drain wait below cannot deadlock.
		close(s.quit)
		_ = s.conn.Close()
	})
	<-s.done
	return s.Err()
}

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsStream) writeLoop() {
	defer s.wg.Done()

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(fmt.Errorf("send audio: %w", err))
			return
		}
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("close stream: %w", err))
	}
}

func (s *wsStream) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("read recognition event: %w", err))
			return
		}

		var response streamResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			switch {
			case strings.EqualFold(message, "no speech detected"):
				s.setErr(ErrNoSpeech)
			case message == "":
				s.setErr(errors.New("recognition provider returned an unknown error"))
			default:
				s.setErr(errors.New(message))
			}
			return
		}

		text := response.transcript()
		if text == "" {
			continue
		}

		s.emit(Result{
			Text:       text,
			Final:      response.IsFinal || response.SpeechFinal,
			Confidence: response.confidence(),
		})
	}
}

// emit blocks until the consumer takes the result; finalized segments are
// buffered, never dropped. A Close releases a blocked emit through quit.
func (s *wsStream) emit(res Result) {
	select {
	case s.results <- res:
	case <-s.quit:
	}
}

type streamResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r streamResponse) transcript() string {
	if len(r.Channel.Alternatives) > 0 {
		return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
	}
	return ""
}

func (r streamResponse) confidence() float64 {
	if len(r.Channel.Alternatives) > 0 {
		return r.Channel.Alternatives[0].Confidence
	}
	return 0
}
