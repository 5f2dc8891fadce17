package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scribecare/scribe-core/internal/artifact"
	"github.com/scribecare/scribe-core/internal/audit"
	"github.com/scribecare/scribe-core/internal/capture"
	"github.com/scribecare/scribe-core/internal/config"
	"github.com/scribecare/scribe-core/internal/draft"
	"github.com/scribecare/scribe-core/internal/finalize"
	"github.com/scribecare/scribe-core/internal/patientctx"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCapture struct {
	mu       sync.Mutex
	starts   int
	pauses   int
	resumes  int
	stops    int
	resets   int
	session  string
	rec      capture.Recording
	startErr error
	stopErr  error
}

func (c *fakeCapture) Start(_ context.Context, encounterID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.session = "sess-1"
	c.rec = capture.Recording{
		ID:              "rec-1",
		EncounterID:     encounterID,
		AudioBlob:       []byte("pcm"),
		DurationSeconds: 12,
	}
	return nil
}

func (c *fakeCapture) Pause()  { c.mu.Lock(); c.pauses++; c.mu.Unlock() }
func (c *fakeCapture) Resume() { c.mu.Lock(); c.resumes++; c.mu.Unlock() }

func (c *fakeCapture) Stop() (capture.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.session = ""
	if c.stopErr != nil {
		return capture.Recording{}, c.stopErr
	}
	return c.rec, nil
}

func (c *fakeCapture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.session = ""
}

func (c *fakeCapture) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *fakeCapture) Elapsed() int { return 12 }

type fakeTranscribe struct {
	mu         sync.Mutex
	starts     int
	pauses     int
	resumes    int
	stops      int
	resets     int
	languages  []string
	transcript string
	startErr   error
}

func (t *fakeTranscribe) Start(_ context.Context, _ string, language string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.starts++
	t.languages = append(t.languages, language)
	return nil
}

func (t *fakeTranscribe) Pause()  { t.mu.Lock(); t.pauses++; t.mu.Unlock() }
func (t *fakeTranscribe) Resume(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumes++
	return nil
}
func (t *fakeTranscribe) SetLanguage(string) {}
func (t *fakeTranscribe) Stop() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return t.transcript
}
func (t *fakeTranscribe) Reset()          { t.mu.Lock(); t.resets++; t.mu.Unlock() }
func (t *fakeTranscribe) Interim() string { return "" }

type fakeDrafter struct {
	mu   sync.Mutex
	req  draft.Request
	resp draft.DraftResponse
	err  error
}

func (d *fakeDrafter) Generate(_ context.Context, req draft.Request) (draft.DraftResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.req = req
	if d.err != nil {
		return draft.DraftResponse{}, d.err
	}
	return d.resp, nil
}

type fakeFinalizer struct {
	mu     sync.Mutex
	req    finalize.Request
	report finalize.FinalizedReport
	err    error
	block  chan struct{}
}

func (f *fakeFinalizer) Finalize(_ context.Context, req finalize.Request) (finalize.FinalizedReport, error) {
	f.mu.Lock()
	f.req = req
	err := f.err
	block := f.block
	report := f.report
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return finalize.FinalizedReport{}, err
	}
	return report, nil
}

type fakeContexts struct {
	err error
}

func (c *fakeContexts) GetContext(_ context.Context, patientID string) (patientctx.Context, error) {
	if c.err != nil {
		return patientctx.Context{}, c.err
	}
	return patientctx.Context{Patient: patientctx.Patient{ID: patientID}}, nil
}

type env struct {
	flow      *EncounterFlow
	capture   *fakeCapture
	transcr   *fakeTranscribe
	drafter   *fakeDrafter
	finalizer *fakeFinalizer
	contexts  *fakeContexts
	artifacts *artifact.Cache
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := newLogger()
	auditor, err := audit.Open(context.Background(), config.AuditStoreConfig{RetentionMode: "ephemeral"}, logger)
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = auditor.Close() })

	e := &env{
		capture: &fakeCapture{},
		transcr: &fakeTranscribe{transcript: "patient reports chest pain"},
		drafter: &fakeDrafter{
			resp: draft.DraftResponse{
				ClinicalDraft: draft.ClinicalDraft{
					Assessments: []draft.Finding{
						{Text: "angina suspected", ExactQuote: "chest pain"},
					},
				},
				PatientSummaryMarkdown: "## Summary",
			},
		},
		finalizer: &fakeFinalizer{
			report: finalize.FinalizedReport{ReportArtifactRef: "reports/enc.pdf", PatientSummaryMarkdown: "## Final"},
		},
		contexts:  &fakeContexts{},
		artifacts: artifact.NewCache(logger),
	}
	e.flow = NewEncounterFlow(e.capture, e.transcr, e.drafter, e.finalizer, e.contexts, e.artifacts, auditor, nil, logger)
	return e
}

func start(t *testing.T, e *env) {
	t.Helper()
	err := e.flow.StartRecording(context.Background(), StartParams{
		EncounterID:   "enc-1",
		PatientID:     "pat-1",
		DoctorID:      "doc-1",
		EncounterDate: "2026-08-28",
		Language:      "en-US",
	})
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHappyPathThroughDone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start(t, e)
	if e.flow.State() != StateRecording {
		t.Fatalf("expected recording, got %s", e.flow.State())
	}

	if err := e.flow.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.flow.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	rec, err := e.flow.StopRecording(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.FinalTranscript != "patient reports chest pain" {
		t.Fatalf("transcript not attached: %q", rec.FinalTranscript)
	}
	if e.flow.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", e.flow.State())
	}

	resp, err := e.flow.GenerateDraft(ctx)
	if err != nil {
		t.Fatalf("generate draft: %v", err)
	}
	if len(resp.ClinicalDraft.Assessments) != 1 {
		t.Fatalf("unexpected draft: %+v", resp.ClinicalDraft)
	}
	if e.flow.State() != StateReviewing {
		t.Fatalf("expected reviewing, got %s", e.flow.State())
	}
	if e.drafter.req.Transcript != "patient reports chest pain" {
		t.Fatalf("drafter did not get the transcript: %+v", e.drafter.req)
	}

	if err := e.flow.UpdateFinding(draft.CategoryAssessments, 0, "stable angina"); err != nil {
		t.Fatalf("update finding: %v", err)
	}

	report, err := e.flow.Approve(ctx)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if report.ReportArtifactRef != "reports/enc.pdf" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if e.flow.State() != StateDone {
		t.Fatalf("expected done, got %s", e.flow.State())
	}

	if e.finalizer.req.EditedDraft.Assessments[0].Text != "stable angina" {
		t.Fatalf("edited draft not submitted: %+v", e.finalizer.req.EditedDraft)
	}
	if e.finalizer.req.EditedDraft.Assessments[0].ExactQuote != "chest pain" {
		t.Fatalf("audit quote lost on the way to finalization")
	}

	entry, ok := e.artifacts.Get("enc-1")
	if !ok || entry.ReportRef != "reports/enc.pdf" {
		t.Fatalf("artifact not cached: %+v ok=%v", entry, ok)
	}
	if e.artifacts.Version() != 1 {
		t.Fatalf("expected one cache mutation, got version %d", e.artifacts.Version())
	}
}

func TestDraftFailureReturnsToIdleWithRecordingRetained(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.drafter.err = errors.New("network down")

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := e.flow.GenerateDraft(ctx); err == nil {
		t.Fatal("expected draft failure")
	}
	if e.flow.State() != StateIdle {
		t.Fatalf("expected idle after failure, got %s", e.flow.State())
	}
	rec, ok := e.flow.Recording()
	if !ok || rec.ID != "rec-1" {
		t.Fatalf("recording must survive the failure: %+v ok=%v", rec, ok)
	}

	// Retry succeeds against the retained recording.
	e.drafter.err = nil
	if _, err := e.flow.GenerateDraft(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if e.flow.State() != StateReviewing {
		t.Fatalf("expected reviewing after retry, got %s", e.flow.State())
	}
}

func TestContextUnavailableFailsDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.contexts.err = patientctx.ErrContextUnavailable

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, err := e.flow.GenerateDraft(ctx)
	if !errors.Is(err, patientctx.ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}
	if e.flow.State() != StateIdle {
		t.Fatalf("expected idle, got %s", e.flow.State())
	}
}

func TestGenerateDraftRequiresRecording(t *testing.T) {
	e := newEnv(t)
	if _, err := e.flow.GenerateDraft(context.Background()); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("expected ErrNoRecording, got %v", err)
	}
}

func TestGenerateDraftStopsActiveSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start(t, e)
	if _, err := e.flow.GenerateDraft(ctx); err != nil {
		t.Fatalf("generate draft: %v", err)
	}
	if e.capture.stops != 1 || e.transcr.stops != 1 {
		t.Fatalf("active session not stopped: capture=%d transcribe=%d", e.capture.stops, e.transcr.stops)
	}
	if e.drafter.req.Transcript != "patient reports chest pain" {
		t.Fatalf("merged transcript missing: %+v", e.drafter.req)
	}
}

func TestFinalizeFailurePreservesEdits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.flow.GenerateDraft(ctx); err != nil {
		t.Fatalf("generate draft: %v", err)
	}
	if err := e.flow.UpdateFinding(draft.CategoryAssessments, 0, "edited before failure"); err != nil {
		t.Fatalf("update finding: %v", err)
	}

	e.finalizer.err = errors.New("finalizer rejected the draft")
	if _, err := e.flow.Approve(ctx); err == nil {
		t.Fatal("expected finalize failure")
	}
	if e.flow.State() != StateReviewing {
		t.Fatalf("expected reviewing after failure, got %s", e.flow.State())
	}
	got := e.flow.Review().Draft().Assessments[0]
	if got.Text != "edited before failure" {
		t.Fatalf("edits lost across the failure: %q", got.Text)
	}
	if got.ExactQuote != "chest pain" {
		t.Fatalf("audit quote lost across the failure: %q", got.ExactQuote)
	}

	e.finalizer.mu.Lock()
	e.finalizer.err = nil
	e.finalizer.mu.Unlock()
	if _, err := e.flow.Approve(ctx); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if e.flow.State() != StateDone {
		t.Fatalf("expected done, got %s", e.flow.State())
	}
}

func TestSingleFinalizeInFlightAndResetBlocked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.flow.GenerateDraft(ctx); err != nil {
		t.Fatalf("generate draft: %v", err)
	}

	block := make(chan struct{})
	e.finalizer.mu.Lock()
	e.finalizer.block = block
	e.finalizer.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := e.flow.Approve(ctx)
		done <- err
	}()
	waitFor(t, "finalizing state", func() bool { return e.flow.State() == StateFinalizing })

	if _, err := e.flow.Approve(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second approve must be rejected, got %v", err)
	}
	if err := e.flow.Reset(); !errors.Is(err, draft.ErrFinalizeInFlight) {
		t.Fatalf("reset during finalizing must be rejected, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e.flow.State() != StateDone {
		t.Fatalf("expected done, got %s", e.flow.State())
	}
}

func TestResetTearsDownButKeepsPersistedArtifact(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.flow.GenerateDraft(ctx); err != nil {
		t.Fatalf("generate draft: %v", err)
	}
	if _, err := e.flow.Approve(ctx); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := e.flow.Reset(); err != nil {
		t.Fatalf("reset from done: %v", err)
	}
	if e.flow.State() != StateIdle {
		t.Fatalf("expected idle, got %s", e.flow.State())
	}
	if _, ok := e.flow.Recording(); ok {
		t.Fatal("recording must be dropped on reset")
	}
	if e.flow.Review() != nil {
		t.Fatal("review state must be dropped on reset")
	}
	if e.capture.resets != 1 || e.transcr.resets != 1 {
		t.Fatalf("engines not torn down: capture=%d transcribe=%d", e.capture.resets, e.transcr.resets)
	}

	// The persisted report is not retroactively invalidated.
	if _, ok := e.artifacts.Get("enc-1"); !ok {
		t.Fatal("persisted artifact must survive reset")
	}
}

func TestResetFromIdleIsNoOp(t *testing.T) {
	e := newEnv(t)
	if err := e.flow.Reset(); err != nil {
		t.Fatalf("reset from idle: %v", err)
	}
	if e.capture.resets != 0 {
		t.Fatal("idle reset must not touch the engines")
	}
}

func TestUpdateFindingOutOfRangeIsSilent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.flow.GenerateDraft(ctx); err != nil {
		t.Fatalf("generate draft: %v", err)
	}

	if err := e.flow.UpdateFinding(draft.CategoryAssessments, 42, "stale edit"); err != nil {
		t.Fatalf("out-of-range edit must not error: %v", err)
	}
	if got := e.flow.Review().Draft().Assessments[0].Text; got != "angina suspected" {
		t.Fatalf("draft mutated by stale edit: %q", got)
	}
}

func TestTranscriptionFailureDoesNotBlockCapture(t *testing.T) {
	e := newEnv(t)
	e.transcr.startErr = errors.New("recognizer offline")

	start(t, e)
	if e.flow.State() != StateRecording {
		t.Fatalf("capture must proceed without transcription, got %s", e.flow.State())
	}
	rec, err := e.flow.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.DurationSeconds != 12 {
		t.Fatalf("unexpected recording: %+v", rec)
	}
}

func TestStopFailureReturnsFlowToIdle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.capture.stopErr = errors.New("device wedged")

	start(t, e)
	if _, err := e.flow.StopRecording(ctx); err == nil {
		t.Fatal("expected stop failure")
	}
	if e.flow.State() != StateIdle {
		t.Fatalf("flow stranded after stop failure, got %s", e.flow.State())
	}

	// The machine is usable again: a fresh session starts cleanly.
	e.capture.stopErr = nil
	start(t, e)
	if e.flow.State() != StateRecording {
		t.Fatalf("expected recording after restart, got %s", e.flow.State())
	}
	if _, err := e.flow.StopRecording(ctx); err != nil {
		t.Fatalf("stop after recovery: %v", err)
	}
}

func TestPermissionDeniedSurfacesAndStaysIdle(t *testing.T) {
	e := newEnv(t)
	e.capture.startErr = capture.ErrPermissionDenied

	err := e.flow.StartRecording(context.Background(), StartParams{PatientID: "pat-1"})
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if e.flow.State() != StateIdle {
		t.Fatalf("expected idle, got %s", e.flow.State())
	}
}
