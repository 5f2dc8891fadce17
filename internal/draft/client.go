package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scribecare/scribe-core/internal/config"
)

// Request carries everything the drafting service needs for one encounter.
// Audio may be empty: transcript-only dictation is a valid use case and the
// call is still attempted.
type Request struct {
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	EncounterDate string `json:"encounter_date"`
	Language      string `json:"language,omitempty"`
	Audio         []byte `json:"audio,omitempty"`
	Transcript    string `json:"transcript,omitempty"`
}

// ServiceError is a drafting-service rejection. Detail, when present, is the
// human-readable message extracted from the response body and is safe to show
// to the clinician.
type ServiceError struct {
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("drafting service returned status %d", e.StatusCode)
}

// Client calls the external drafting service over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(cfg config.DraftingConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate submits the captured encounter and returns the structured draft.
func (c *Client) Generate(ctx context.Context, req Request) (DraftResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return DraftResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/drafts", bytes.NewReader(body))
	if err != nil {
		return DraftResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return DraftResponse{}, fmt.Errorf("drafting service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return DraftResponse{}, &ServiceError{
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(resp.Body),
		}
	}

	var out DraftResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DraftResponse{}, fmt.Errorf("failed to decode draft response: %w", err)
	}
	return out, nil
}

// extractDetail pulls the optional human-readable message out of an error
// body. Services in the wild use either "detail" or "message".
func extractDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if strings.TrimSpace(body.Detail) != "" {
		return strings.TrimSpace(body.Detail)
	}
	return strings.TrimSpace(body.Message)
}
