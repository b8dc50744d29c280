package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/policypulse/policypulse-go/internal/models"
)

// FakeBackend is an in-memory stand-in for the PolicyPulse backend. Fields
// may be changed between requests through the setters.
type FakeBackend struct {
	Server *httptest.Server

	mu        sync.Mutex
	projects  []models.Project
	steps     map[string][]models.CustomStep
	progress  map[string]models.ProgressPayload
	summaries map[string]models.StepResultsSummary
	documents map[string]models.DocumentDetails
	events    map[string][]string
	acks      map[models.StepAction]string
	uploads   []Upload
	calls     map[string]int

	analytics     models.AnalyticsSummary
	lastAnalytics models.AnalyticsFilter
	basicFailures map[string]string
	nextID        int
}

// Upload is one file received by the fake upload endpoint.
type Upload struct {
	ProjectID string
	FileName  string
	Size      int
}

// NewFakeBackend starts the fake server; it is closed with the test.
func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	b := &FakeBackend{
		steps:     make(map[string][]models.CustomStep),
		progress:  make(map[string]models.ProgressPayload),
		summaries: make(map[string]models.StepResultsSummary),
		documents: make(map[string]models.DocumentDetails),
		events:    make(map[string][]string),
		acks:      make(map[models.StepAction]string),
		calls:     make(map[string]int),

		basicFailures: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get("/projects/", b.listProjects)
	r.Post("/projects/", b.createProject)
	r.Get("/summary", b.analyticsSummary)
	r.Get("/projects/{projectID}/export-csv", b.exportCSV)
	r.Get("/documents/", b.listDocuments)
	r.Get("/documents/{documentID}", b.getDocument)
	r.Post("/documents/process-pdf", b.upload)
	r.Post("/documents/{documentID}/reprocess-basic", b.reprocessBasic)
	r.Post("/documents/bulk-reprocess-basic", b.bulkReprocessBasic)
	r.Get("/api/custom-steps", b.listSteps)
	r.Post("/api/custom-steps", b.createStep)
	r.Route("/api/custom-steps/{projectID}/{stepID}", func(r chi.Router) {
		r.Put("/", b.updateStep)
		r.Delete("/", b.deleteStep)
		r.Post("/manage", b.manage)
		r.Get("/reprocess", b.reprocess)
		r.Get("/progress", b.getProgress)
		r.Get("/results-summary", b.summary)
		r.Delete("/results", b.deleteResults)
	})

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the base URL to hand to backend.New.
func (b *FakeBackend) URL() string { return b.Server.URL }

func (b *FakeBackend) SetProjects(p ...models.Project) {
	b.mu.Lock()
	b.projects = p
	b.mu.Unlock()
}

func (b *FakeBackend) SetSteps(projectID string, steps ...models.CustomStep) {
	b.mu.Lock()
	b.steps[projectID] = steps
	b.mu.Unlock()
}

func (b *FakeBackend) SetProgress(stepID string, p models.ProgressPayload) {
	b.mu.Lock()
	b.progress[stepID] = p
	b.mu.Unlock()
}

func (b *FakeBackend) SetSummary(stepID string, s models.StepResultsSummary) {
	b.mu.Lock()
	b.summaries[stepID] = s
	b.mu.Unlock()
}

func (b *FakeBackend) SetDocument(d models.DocumentDetails) {
	b.mu.Lock()
	b.documents[d.ID] = d
	b.mu.Unlock()
}

// SetEvents scripts the event stream of a step: each entry is one
// "event: name\ndata: json" pair. The stream ends after the last entry.
func (b *FakeBackend) SetEvents(stepID string, frames ...string) {
	b.mu.Lock()
	b.events[stepID] = frames
	b.mu.Unlock()
}

// SetAck overrides the acknowledgement returned for an action.
func (b *FakeBackend) SetAck(action models.StepAction, ack string) {
	b.mu.Lock()
	b.acks[action] = ack
	b.mu.Unlock()
}

// SetAnalytics sets the summary returned for every analytics query.
func (b *FakeBackend) SetAnalytics(s models.AnalyticsSummary) {
	b.mu.Lock()
	b.analytics = s
	b.mu.Unlock()
}

// LastAnalyticsFilter is the filter of the most recent analytics query.
func (b *FakeBackend) LastAnalyticsFilter() models.AnalyticsFilter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAnalytics
}

// FailBasicReprocess makes basic reprocessing of a document report failure
// with msg.
func (b *FakeBackend) FailBasicReprocess(documentID, msg string) {
	b.mu.Lock()
	b.basicFailures[documentID] = msg
	b.mu.Unlock()
}

// Steps returns the steps currently defined for a project.
func (b *FakeBackend) Steps(projectID string) []models.CustomStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.CustomStep(nil), b.steps[projectID]...)
}

// Projects returns the projects currently defined.
func (b *FakeBackend) Projects() []models.Project {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Project(nil), b.projects...)
}

// Calls returns how often a route was hit, keyed like "GET progress step-1".
func (b *FakeBackend) Calls(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[key]
}

func (b *FakeBackend) Uploads() []Upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Upload(nil), b.uploads...)
}

func (b *FakeBackend) count(key string) {
	b.mu.Lock()
	b.calls[key]++
	b.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": what + " not found"})
}

func (b *FakeBackend) listProjects(w http.ResponseWriter, r *http.Request) {
	b.count("GET projects")
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, models.ListProjectsResponse{Projects: append([]models.Project{}, b.projects...)})
}

func (b *FakeBackend) createProject(w http.ResponseWriter, r *http.Request) {
	b.count("POST project")
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "name is required"})
		return
	}
	b.mu.Lock()
	b.nextID++
	p := models.Project{ID: fmt.Sprintf("project-%d", b.nextID), Name: req.Name, OwnerUserID: req.OwnerUserID}
	b.projects = append(b.projects, p)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, p)
}

func (b *FakeBackend) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	b.count("GET analytics")
	q := r.URL.Query()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAnalytics = models.AnalyticsFilter{
		ProjectID:  q.Get("project_id"),
		Sentiment:  q.Get("sentiment_filter"),
		Complexity: q.Get("complexity_filter"),
		Topic:      q.Get("topic_filter"),
	}
	writeJSON(w, http.StatusOK, b.analytics)
}

func (b *FakeBackend) exportCSV(w http.ResponseWriter, r *http.Request) {
	b.count("GET export")
	w.Header().Set("Content-Type", "text/csv")
	fmt.Fprintf(w, "project_id\n%s\n", chi.URLParam(r, "projectID"))
}

func (b *FakeBackend) listDocuments(w http.ResponseWriter, r *http.Request) {
	b.count("GET documents")
	projectID := r.URL.Query().Get("project_id")
	b.mu.Lock()
	defer b.mu.Unlock()
	docs := []models.Document{}
	for _, d := range b.documents {
		if d.ProjectID == projectID {
			docs = append(docs, d.Document)
		}
	}
	writeJSON(w, http.StatusOK, models.ListDocumentsResponse{Documents: docs})
}

func (b *FakeBackend) getDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	b.count("GET document " + id)
	b.mu.Lock()
	d, ok := b.documents[id]
	b.mu.Unlock()
	if !ok {
		notFound(w, "Document")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (b *FakeBackend) upload(w http.ResponseWriter, r *http.Request) {
	b.count("POST upload")
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "file is required"})
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)

	b.mu.Lock()
	b.uploads = append(b.uploads, Upload{ProjectID: r.FormValue("project_id"), FileName: hdr.Filename, Size: len(data)})
	id := fmt.Sprintf("doc-%d", len(b.uploads))
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, models.UploadResponse{Success: true, Message: "Document processed", DocumentID: &id})
}

func (b *FakeBackend) reprocessBasic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	b.count("POST reprocess-basic " + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.documents[id]
	if !ok {
		notFound(w, "Document")
		return
	}
	if msg, failed := b.basicFailures[id]; failed {
		writeJSON(w, http.StatusOK, models.BasicReprocessResponse{Message: msg})
		return
	}
	d.Status = "completed"
	d.Analysis = json.RawMessage(`{"sentiment":"neutral"}`)
	b.documents[id] = d
	writeJSON(w, http.StatusOK, models.BasicReprocessResponse{
		Success:        true,
		Message:        "Document reprocessed",
		AnalysisResult: d.Analysis,
	})
}

func (b *FakeBackend) bulkReprocessBasic(w http.ResponseWriter, r *http.Request) {
	b.count("POST bulk-reprocess-basic")
	var req models.BulkReprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if len(req.DocumentIDs) > 0 {
		for _, id := range req.DocumentIDs {
			if _, ok := b.documents[id]; ok {
				n++
			}
		}
	} else {
		for _, d := range b.documents {
			if d.ProjectID != req.ProjectID {
				continue
			}
			if len(req.Statuses) > 0 && !slices.Contains(req.Statuses, d.Status) {
				continue
			}
			n++
		}
	}
	writeJSON(w, http.StatusAccepted, models.BulkReprocessResponse{
		Message:   fmt.Sprintf("Queued %d documents for reprocessing", n),
		TaskCount: n,
	})
}

func (b *FakeBackend) listSteps(w http.ResponseWriter, r *http.Request) {
	b.count("GET steps")
	b.mu.Lock()
	defer b.mu.Unlock()
	steps := append([]models.CustomStep{}, b.steps[r.URL.Query().Get("project_id")]...)
	writeJSON(w, http.StatusOK, steps)
}

func (b *FakeBackend) createStep(w http.ResponseWriter, r *http.Request) {
	b.count("POST step")
	var req models.CreateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.ProjectID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "name and project_id are required"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.steps[req.ProjectID] {
		if st.Name == req.Name {
			writeJSON(w, http.StatusConflict, map[string]string{"detail": "A custom step with this name already exists in the project"})
			return
		}
	}
	mode := req.ProcessingMode
	if mode == "" {
		mode = models.ProcessingDocumentByDocument
	}
	b.nextID++
	st := models.CustomStep{
		ID:             fmt.Sprintf("step-%d", b.nextID),
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Description:    req.Description,
		ProcessingMode: mode,
		Prompts:        req.Prompts,
		RunStatus:      models.Ptr(string(models.StatusIdle)),
	}
	b.steps[req.ProjectID] = append(b.steps[req.ProjectID], st)
	writeJSON(w, http.StatusCreated, st)
}

func (b *FakeBackend) updateStep(w http.ResponseWriter, r *http.Request) {
	projectID, stepID := chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID")
	b.count("PUT step " + stepID)
	var req models.UpdateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	steps := b.steps[projectID]
	for i := range steps {
		if steps[i].ID != stepID {
			continue
		}
		if req.Name != nil {
			steps[i].Name = *req.Name
		}
		if req.Description != nil {
			steps[i].Description = req.Description
		}
		if req.Prompts != nil {
			steps[i].Prompts = req.Prompts
		}
		if req.ProcessingMode != nil {
			steps[i].ProcessingMode = *req.ProcessingMode
		}
		writeJSON(w, http.StatusOK, steps[i])
		return
	}
	notFound(w, "Step")
}

func (b *FakeBackend) manage(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	var req models.StepActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	b.count("POST manage " + string(req.Action) + " " + stepID)
	b.mu.Lock()
	ack, ok := b.acks[req.Action]
	b.mu.Unlock()
	if !ok {
		ack = string(req.Action) + "_requested"
	}
	writeJSON(w, http.StatusOK, models.StepActionResponse{StepID: stepID, Action: ack, Message: "ok"})
}

func (b *FakeBackend) reprocess(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	b.count("GET reprocess " + stepID)
	b.mu.Lock()
	frames := append([]string(nil), b.events[stepID]...)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		fmt.Fprintf(w, "%s\n\n", f)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (b *FakeBackend) getProgress(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	b.count("GET progress " + stepID)
	b.mu.Lock()
	p, ok := b.progress[stepID]
	b.mu.Unlock()
	if !ok {
		notFound(w, "Step")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (b *FakeBackend) summary(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	b.count("GET summary " + stepID)
	b.mu.Lock()
	s, ok := b.summaries[stepID]
	b.mu.Unlock()
	if !ok {
		notFound(w, "Step")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (b *FakeBackend) deleteResults(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	b.count("DELETE results " + stepID)
	b.mu.Lock()
	delete(b.summaries, stepID)
	b.progress[stepID] = models.ProgressPayload{Status: string(models.StatusIdle), Total: models.Ptr(0), Processed: models.Ptr(0), Failed: models.Ptr(0)}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, models.DeleteStepResultsResponse{
		StepID: stepID, ProjectID: chi.URLParam(r, "projectID"),
		Message: "Results cleared", ResultsCleared: true, StepReset: true,
	})
}

func (b *FakeBackend) deleteStep(w http.ResponseWriter, r *http.Request) {
	projectID, stepID := chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID")
	b.count("DELETE step " + stepID)
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.steps[projectID][:0:0]
	found := false
	for _, st := range b.steps[projectID] {
		if st.ID == stepID {
			found = true
			continue
		}
		kept = append(kept, st)
	}
	if !found {
		notFound(w, "Step")
		return
	}
	b.steps[projectID] = kept
	w.WriteHeader(http.StatusNoContent)
}
