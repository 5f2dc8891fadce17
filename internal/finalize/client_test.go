package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scribecare/scribe-core/internal/config"
	"github.com/scribecare/scribe-core/internal/draft"
)

func TestFinalizeReturnsReport(t *testing.T) {
	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/reports" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(FinalizedReport{
			ReportArtifactRef:      "reports/enc-1.pdf",
			PatientSummaryMarkdown: "## Final summary",
		})
	}))
	defer server.Close()

	c := NewClient(config.FinalizationConfig{Endpoint: server.URL, FormatID: "standard", TimeoutMS: 5000})
	report, err := c.Finalize(context.Background(), Request{
		PatientID:     "pat-1",
		DoctorID:      "doc-1",
		EncounterDate: "2026-08-28",
		EditedDraft: draft.ClinicalDraft{
			Assessments: []draft.Finding{{Text: "controlled hypertension"}},
		},
		PatientSummaryMarkdown: "## Visit summary",
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if report.ReportArtifactRef != "reports/enc-1.pdf" {
		t.Fatalf("unexpected artifact ref: %q", report.ReportArtifactRef)
	}
	if gotReq.FormatID != "standard" {
		t.Fatalf("configured format id not applied: %q", gotReq.FormatID)
	}
	if len(gotReq.EditedDraft.Assessments) != 1 {
		t.Fatalf("edited draft not forwarded: %+v", gotReq.EditedDraft)
	}
}

func TestFinalizeSurfacesServiceDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"report already exists for this encounter"}`))
	}))
	defer server.Close()

	c := NewClient(config.FinalizationConfig{Endpoint: server.URL, FormatID: "standard"})
	_, err := c.Finalize(context.Background(), Request{PatientID: "pat-1"})

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if svcErr.Error() != "report already exists for this encounter" {
		t.Fatalf("detail not extracted: %q", svcErr.Error())
	}
}

func TestFinalizeRejectsEmptyArtifactRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(FinalizedReport{})
	}))
	defer server.Close()

	c := NewClient(config.FinalizationConfig{Endpoint: server.URL, FormatID: "standard"})
	if _, err := c.Finalize(context.Background(), Request{PatientID: "pat-1"}); err == nil {
		t.Fatal("expected error for missing artifact reference")
	}
}
