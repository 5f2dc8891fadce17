package patientctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scribecare/scribe-core/internal/config"
)

// ErrContextUnavailable means no context is loaded for the patient. Draft
// generation must not proceed without it.
var ErrContextUnavailable = errors.New("patient context unavailable")

// Patient is the identity subset the drafting workflow needs.
type Patient struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
}

// ContextDocument is one prior record attached to the patient.
type ContextDocument struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Context is the loaded patient context handed to the draft orchestrator.
type Context struct {
	Patient          Patient           `json:"patient"`
	ContextDocuments []ContextDocument `json:"context_documents"`
}

// Client fetches patient context from the external provider.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(cfg config.PatientContextConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetContext loads the context for one patient. A 404 maps to
// ErrContextUnavailable so callers can distinguish "not loaded" from
// transport failure.
func (c *Client) GetContext(ctx context.Context, patientID string) (Context, error) {
	if strings.TrimSpace(patientID) == "" {
		return Context{}, ErrContextUnavailable
	}

	reqURL := c.endpoint + "/v1/patients/" + url.PathEscape(patientID) + "/context"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Context{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Context{}, fmt.Errorf("patient context provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Context{}, ErrContextUnavailable
	case resp.StatusCode >= 300:
		return Context{}, fmt.Errorf("patient context provider returned status %d", resp.StatusCode)
	}

	var out Context
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Context{}, fmt.Errorf("failed to decode patient context: %w", err)
	}
	return out, nil
}
