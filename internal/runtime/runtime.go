package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribecare/scribe-core/internal/artifact"
	"github.com/scribecare/scribe-core/internal/audit"
	"github.com/scribecare/scribe-core/internal/bus"
	"github.com/scribecare/scribe-core/internal/capture"
	"github.com/scribecare/scribe-core/internal/config"
	"github.com/scribecare/scribe-core/internal/draft"
	"github.com/scribecare/scribe-core/internal/finalize"
	"github.com/scribecare/scribe-core/internal/flow"
	"github.com/scribecare/scribe-core/internal/natsserver"
	"github.com/scribecare/scribe-core/internal/patientctx"
	"github.com/scribecare/scribe-core/internal/transcribe"
)

// Runtime is the composition root: telemetry, bus, audit store, the capture
// and transcription engines, and the encounter flow service.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	auditor, err := audit.Open(ctx, r.cfg.AuditStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditor.Close()

	device, err := r.captureDevice()
	if err != nil {
		return err
	}
	recognizer, err := r.recognizer()
	if err != nil {
		return err
	}

	captureEngine := capture.NewEngine(r.cfg.Capture, device, busClient, r.logger)
	transcribeEngine := transcribe.NewEngine(r.cfg.Transcription, recognizer, busClient, r.logger)

	encounterFlow := flow.NewEncounterFlow(
		captureEngine,
		transcribeEngine,
		draft.NewClient(r.cfg.Drafting),
		finalize.NewClient(r.cfg.Finalization),
		patientctx.NewClient(r.cfg.PatientContext),
		artifact.NewCache(r.logger),
		auditor,
		busClient,
		r.logger,
	)

	flowService := flow.NewService(ctx, busClient, encounterFlow, transcribeEngine, r.logger)
	if err := flowService.Start(); err != nil {
		return fmt.Errorf("failed to start flow service: %w", err)
	}
	defer flowService.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("capture_mode", r.cfg.Capture.Mode),
		slog.String("transcription_mode", r.cfg.Transcription.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	// Release the microphone and drop any half-built encounter before the
	// bus goes away.
	captureEngine.Reset()
	transcribeEngine.Reset()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) captureDevice() (capture.Device, error) {
	switch r.cfg.Capture.Mode {
	case "mock":
		return capture.NewMockDevice(), nil
	case "ffmpeg":
		return capture.NewFFmpegDevice(r.cfg.Capture.RecorderCommand), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", r.cfg.Capture.Mode)
	}
}

func (r *Runtime) recognizer() (transcribe.Recognizer, error) {
	switch r.cfg.Transcription.Mode {
	case "mock":
		return transcribe.NewMockRecognizer(), nil
	case "stream":
		rec, err := transcribe.NewStreamRecognizer(r.cfg.Transcription)
		if err != nil {
			return nil, err
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", r.cfg.Transcription.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
