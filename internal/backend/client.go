// Package backend is the HTTP client for the PolicyPulse API service.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
)

// Client talks to the backend. Streams use a client without a timeout; all
// other calls are bounded by the configured timeout.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// New creates a client rooted at baseURL, e.g. http://localhost:8000/routes.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

func stepPath(projectID, stepID string, suffix ...string) string {
	parts := append([]string{"/api/custom-steps", url.PathEscape(projectID), url.PathEscape(stepID)}, suffix...)
	return strings.Join(parts, "/")
}

// Manage sends a pause or resume request. A 2xx response is returned as is,
// including the *_failed acknowledgements; the caller decides what they mean.
func (c *Client) Manage(ctx context.Context, projectID, stepID string, action models.StepAction) (*models.StepActionResponse, error) {
	var out models.StepActionResponse
	err := c.doJSON(ctx, http.MethodPost, stepPath(projectID, stepID, "manage"), nil,
		models.StepActionRequest{Action: action}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenStream starts a reprocessing run and returns its event stream. The
// stream lives until ctx is cancelled, the body is closed or the backend ends it.
func (c *Client) OpenStream(ctx context.Context, projectID, stepID string, mode models.ReprocessMode) (io.ReadCloser, error) {
	q := url.Values{"reprocess_type": {string(mode)}}
	req, err := c.newRequest(ctx, http.MethodGet, stepPath(projectID, stepID, "reprocess"), q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream for step %s: %w", stepID, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newAPIError(resp.StatusCode, body)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: got %q", ErrNotEventStream, resp.Header.Get("Content-Type"))
	}
	log.Debug().Str("project_id", projectID).Str("step_id", stepID).Str("mode", string(mode)).Msg("event stream opened")
	return resp.Body, nil
}

// Progress fetches the point-in-time progress snapshot of a step.
func (c *Client) Progress(ctx context.Context, projectID, stepID string) (*models.ProgressPayload, error) {
	var out models.ProgressPayload
	if err := c.doJSON(ctx, http.MethodGet, stepPath(projectID, stepID, "progress"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResultsSummary fetches aggregate statistics of a step's results.
func (c *Client) ResultsSummary(ctx context.Context, projectID, stepID string) (*models.StepResultsSummary, error) {
	var out models.StepResultsSummary
	if err := c.doJSON(ctx, http.MethodGet, stepPath(projectID, stepID, "results-summary"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSteps returns the custom steps of a project.
func (c *Client) ListSteps(ctx context.Context, projectID string) ([]models.CustomStep, error) {
	var out []models.CustomStep
	q := url.Values{"project_id": {projectID}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/custom-steps", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteStepResults clears every document's result for a step and resets it.
func (c *Client) DeleteStepResults(ctx context.Context, projectID, stepID string) (*models.DeleteStepResultsResponse, error) {
	var out models.DeleteStepResultsResponse
	if err := c.doJSON(ctx, http.MethodDelete, stepPath(projectID, stepID, "results"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateStep defines a new custom step in a project.
func (c *Client) CreateStep(ctx context.Context, req models.CreateStepRequest) (*models.CustomStep, error) {
	var out models.CustomStep
	if err := c.doJSON(ctx, http.MethodPost, "/api/custom-steps", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStep changes a step's definition. Fields left nil in req are kept.
func (c *Client) UpdateStep(ctx context.Context, projectID, stepID string, req models.UpdateStepRequest) (*models.CustomStep, error) {
	var out models.CustomStep
	if err := c.doJSON(ctx, http.MethodPut, stepPath(projectID, stepID), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteStep removes a step definition.
func (c *Client) DeleteStep(ctx context.Context, projectID, stepID string) error {
	return c.doJSON(ctx, http.MethodDelete, stepPath(projectID, stepID), nil, nil, nil)
}

// ListProjects returns every project visible to the caller.
func (c *Client) ListProjects(ctx context.Context) ([]models.Project, error) {
	var out models.ListProjectsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// CreateProject creates a project owned by ownerUserID.
func (c *Client) CreateProject(ctx context.Context, name, ownerUserID string) (*models.Project, error) {
	var out models.Project
	req := models.CreateProjectRequest{Name: name, OwnerUserID: ownerUserID}
	if err := c.doJSON(ctx, http.MethodPost, "/projects/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyticsSummary aggregates the basic analysis of processed documents.
func (c *Client) AnalyticsSummary(ctx context.Context, f models.AnalyticsFilter) (*models.AnalyticsSummary, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"project_id":        f.ProjectID,
		"sentiment_filter":  f.Sentiment,
		"complexity_filter": f.Complexity,
		"topic_filter":      f.Topic,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var out models.AnalyticsSummary
	if err := c.doJSON(ctx, http.MethodGet, "/summary", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReprocessBasic runs a document's basic analysis again and waits for it.
func (c *Client) ReprocessBasic(ctx context.Context, documentID string) (*models.BasicReprocessResponse, error) {
	var out models.BasicReprocessResponse
	path := "/documents/" + url.PathEscape(documentID) + "/reprocess-basic"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkReprocessBasic queues basic reprocessing of many documents. The
// backend answers once the work is queued.
func (c *Client) BulkReprocessBasic(ctx context.Context, req models.BulkReprocessRequest) (*models.BulkReprocessResponse, error) {
	var out models.BulkReprocessResponse
	if err := c.doJSON(ctx, http.MethodPost, "/documents/bulk-reprocess-basic", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments returns the documents of a project.
func (c *Client) ListDocuments(ctx context.Context, projectID string) ([]models.Document, error) {
	var out models.ListDocumentsResponse
	q := url.Values{"project_id": {projectID}}
	if err := c.doJSON(ctx, http.MethodGet, "/documents/", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// GetDocument returns one document with its analysis output.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*models.DocumentDetails, error) {
	var out models.DocumentDetails
	if err := c.doJSON(ctx, http.MethodGet, "/documents/"+url.PathEscape(documentID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadDocument sends a file to the project and starts its basic analysis.
func (c *Client) UploadDocument(ctx context.Context, projectID, fileName string, r io.Reader) (*models.UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("project_id", projectID); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/documents/process-pdf", nil, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out models.UploadResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportCSV streams the project's CSV export into w.
func (c *Client) ExportCSV(ctx context.Context, projectID string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/export-csv", nil, nil)
	if err != nil {
		return 0, err
	}
	// The export can be large; use the client without a timeout.
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("export csv: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return 0, newAPIError(resp.StatusCode, body)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(bs)
	}
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode/100 != 2 {
		return newAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
