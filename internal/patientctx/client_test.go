package patientctx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scribecare/scribe-core/internal/config"
)

func TestGetContextDecodesPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/patients/pat-1/context" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Context{
			Patient: Patient{ID: "pat-1", Name: "A. Example"},
			ContextDocuments: []ContextDocument{
				{ID: "doc-1", Title: "Prior visit"},
			},
		})
	}))
	defer server.Close()

	c := NewClient(config.PatientContextConfig{Endpoint: server.URL, TimeoutMS: 5000})
	got, err := c.GetContext(context.Background(), "pat-1")
	if err != nil {
		t.Fatalf("get context failed: %v", err)
	}
	if got.Patient.ID != "pat-1" || len(got.ContextDocuments) != 1 {
		t.Fatalf("unexpected context: %+v", got)
	}
}

func TestGetContextNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(config.PatientContextConfig{Endpoint: server.URL})
	_, err := c.GetContext(context.Background(), "pat-missing")
	if !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}
}

func TestGetContextEmptyPatientID(t *testing.T) {
	c := NewClient(config.PatientContextConfig{Endpoint: "http://localhost:1"})
	_, err := c.GetContext(context.Background(), "  ")
	if !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}
}
