package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/scribecare/scribe-core/internal/bus"
	"github.com/scribecare/scribe-core/internal/draft"
	"github.com/scribecare/scribe-core/internal/protocol"
)

// FrameHandler consumes raw capture chunks off the bus.
type FrameHandler interface {
	HandleFrame(data []byte)
}

// Service is the bus front of the encounter flow: it dispatches control
// commands from UI clients and feeds capture chunks into live transcription.
type Service struct {
	bus    *bus.Client
	flow   *EncounterFlow
	frames FrameHandler
	logger *slog.Logger

	subControl *nats.Subscription
	subChunks  *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, encounterFlow *EncounterFlow, frames FrameHandler, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		flow:   encounterFlow,
		frames: frames,
		logger: logger.With(slog.String("component", "flow-service")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectEncounterControl, s.handleControl)
	if err != nil {
		return err
	}
	s.subControl = sub

	subChunks, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureChunkPrefix+".>", s.handleChunk)
	if err != nil {
		_ = s.subControl.Drain()
		return err
	}
	s.subChunks = subChunks
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
	if s.subChunks != nil {
		_ = s.subChunks.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subControl != nil && s.subChunks != nil
}

func (s *Service) handleChunk(msg *nats.Msg) {
	s.frames.HandleFrame(msg.Data)
}

func (s *Service) handleControl(msg *nats.Msg) {
	var cmd protocol.ControlCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode control command", slogError(err))
		return
	}

	// generate_draft and approve block on external services; every command
	// runs off the subscription callback so slow ones cannot stall the bus.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(cmd)
	}()
}

func (s *Service) dispatch(cmd protocol.ControlCommand) {
	var err error
	switch cmd.Action {
	case protocol.ActionStart:
		err = s.flow.StartRecording(s.ctx, StartParams{
			EncounterID:   cmd.EncounterID,
			PatientID:     cmd.PatientID,
			DoctorID:      cmd.DoctorID,
			EncounterDate: cmd.EncounterDate,
			Language:      cmd.Language,
		})
	case protocol.ActionPause:
		err = s.flow.Pause()
	case protocol.ActionResume:
		err = s.flow.Resume(s.ctx)
	case protocol.ActionStop:
		_, err = s.flow.StopRecording(s.ctx)
	case protocol.ActionGenerateDraft:
		_, err = s.flow.GenerateDraft(s.ctx)
	case protocol.ActionUpdateFinding:
		err = s.flow.UpdateFinding(draft.Category(cmd.Category), cmd.Index, cmd.Text)
	case protocol.ActionApprove:
		_, err = s.flow.Approve(s.ctx)
	case protocol.ActionReset:
		err = s.flow.Reset()
	case protocol.ActionSetLanguage:
		s.flow.SetLanguage(cmd.Language)
	default:
		s.logger.Warn("unknown control action", slog.String("action", cmd.Action))
		return
	}
	if err != nil {
		s.logger.Warn("control command rejected",
			slog.String("action", cmd.Action),
			slogError(err))
	}
}
