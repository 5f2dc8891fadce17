package finalize

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
	"github.com/scribecare/scribe-core/internal/draft"
)

// Request is the payload submitted to the finalization service: the edited
// draft plus the original patient summary, under the encounter's identity.
type Request struct {
	PatientID              string              `json:"patient_id"`
	DoctorID               string              `json:"doctor_id"`
	EncounterDate          string              `json:"encounter_date"`
	FormatID               string              `json:"format_id"`
	EditedDraft            draft.ClinicalDraft `json:"edited_clinical_draft"`
	PatientSummaryMarkdown string              `json:"patient_summary_markdown"`
}

// FinalizedReport is the durable record attached to the encounter once
// finalization succeeds.
type FinalizedReport struct {
	ReportArtifactRef      string `json:"report_artifact_ref"`
	PatientSummaryMarkdown string `json:"patient_summary_markdown"`
}

// ServiceError is a finalization-service rejection with the optional
// human-readable detail from the response body.
type ServiceError struct {
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("finalization service returned status %d", e.StatusCode)
}

// Client calls the external finalization service over HTTP.
type Client struct {
	endpoint   string
	formatID   string
	httpClient *http.Client
}

func NewClient(cfg config.FinalizationConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		formatID:   cfg.FormatID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Finalize submits the approved draft and returns the persisted report
// reference. The caller keeps its edited draft regardless of the outcome so
// a failure never costs the clinician their edits.
func (c *Client) Finalize(ctx context.Context, req Request) (FinalizedReport, error) {
	if req.FormatID == "" {
		req.FormatID = c.formatID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return FinalizedReport{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/reports", bytes.NewReader(body))
	if err != nil {
		return FinalizedReport{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return FinalizedReport{}, fmt.Errorf("finalization service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return FinalizedReport{}, &ServiceError{
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(resp.Body),
		}
	}

	var out FinalizedReport
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FinalizedReport{}, fmt.Errorf("failed to decode finalized report: %w", err)
	}
	if out.ReportArtifactRef == "" {
		return FinalizedReport{}, fmt.Errorf("finalization service returned no report artifact reference")
	}
	return out, nil
}

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
