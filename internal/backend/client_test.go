package backend_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/progress"
)

const (
	projectID = "7a0c4a43-3f0f-4c39-9c1e-0d7f6f1b6b11"
	stepID    = "c4f3b1de-1111-4a6b-9a55-52b0f2b7e001"
)

func newServer(t *testing.T, h http.HandlerFunc) (*backend.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return backend.New(srv.URL+"/routes", "secret", 5*time.Second), srv
}

func TestClient_Manage(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/routes/api/custom-steps/"+projectID+"/"+stepID+"/manage", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req models.StepActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.ActionPause, req.Action)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"step_id":"` + stepID + `","action":"pause_requested","message":"ok"}`))
	})

	resp, err := client.Manage(context.Background(), projectID, stepID, models.ActionPause)
	require.NoError(t, err)
	assert.Equal(t, models.AckPauseRequested, resp.Action)
	assert.Nil(t, resp.Details)
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestClient_APIErrors(t *testing.T) {
	ctx := context.Background()
	var apiErr *backend.APIError

	client, _ := newServer(t, respond(http.StatusConflict, `{"detail":"Step is already processing"}`))
	_, err := client.Manage(ctx, projectID, stepID, models.ActionResume)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrConflict)
	assert.NotErrorIs(t, err, backend.ErrNotFound)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Step is already processing", apiErr.Detail)

	client, _ = newServer(t, respond(http.StatusNotFound, `{"detail":[{"loc":["path"],"msg":"bad"}]}`))
	_, err = client.Progress(ctx, projectID, stepID)
	assert.ErrorIs(t, err, backend.ErrNotFound)
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Detail, `"msg":"bad"`)

	client, _ = newServer(t, respond(http.StatusInternalServerError, "upstream exploded"))
	_, err = client.ListProjects(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream exploded", apiErr.Detail)
	assert.Equal(t, "backend returned 500: upstream exploded", err.Error())
}

func TestClient_APIErrorDetailKeepsRunesWhole(t *testing.T) {
	// One ASCII byte, then two-byte runes: byte 200 falls inside a rune.
	body := "a" + strings.Repeat("é", 150)
	client, _ := newServer(t, respond(http.StatusBadGateway, body))

	_, err := client.ListProjects(context.Background())
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, utf8.ValidString(apiErr.Detail))
	assert.Len(t, apiErr.Detail, 199)
	assert.True(t, strings.HasPrefix(body, apiErr.Detail))
}

func streamServer(t *testing.T, contentType string) *backend.Client {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "new", r.URL.Query().Get("reprocess_type"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, "event: init\ndata: {}\n\n")
	})
	return client
}

func TestClient_OpenStream(t *testing.T) {
	client := streamServer(t, "text/event-stream; charset=utf-8")
	body, err := client.OpenStream(context.Background(), projectID, stepID, models.ModeNew)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "event: init\ndata: {}\n\n", string(data))

	client = streamServer(t, "application/json")
	_, err = client.OpenStream(context.Background(), projectID, stepID, models.ModeNew)
	assert.ErrorIs(t, err, backend.ErrNotEventStream)
}

func TestClient_ListWrappers(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/routes/projects/":
			_, _ = w.Write([]byte(`{"projects":[{"id":"p1","name":"Policies"}]}`))
		case "/routes/documents/":
			assert.Equal(t, projectID, r.URL.Query().Get("project_id"))
			_, _ = w.Write([]byte(`{"documents":[{"id":"d1","file_name":"a.pdf","status":"completed","project_id":"p1"}]}`))
		case "/routes/api/custom-steps":
			_, _ = w.Write([]byte(`[{"id":"s1","project_id":"p1","name":"Risk","run_status":"paused"}]`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	projects, err := client.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Policies", projects[0].Name)

	docs, err := client.ListDocuments(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.pdf", docs[0].FileName)

	steps, err := client.ListSteps(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "paused", *steps[0].RunStatus)
}

func TestClient_UploadDocument(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, projectID, r.FormValue("project_id"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.pdf", hdr.Filename)
		assert.Equal(t, "%PDF-1.4", string(data))
		_, _ = w.Write([]byte(`{"success":true,"message":"queued","document_id":"d9"}`))
	})

	resp, err := client.UploadDocument(context.Background(), projectID, "report.pdf", bytes.NewBufferString("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "d9", *resp.DocumentID)
}

func TestClient_ExportCSV(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/routes/projects/"+projectID+"/export-csv", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "id,file_name\nd1,a.pdf\n")
	})
	var buf bytes.Buffer
	n, err := client.ExportCSV(context.Background(), projectID, &buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)
	assert.Contains(t, buf.String(), "d1,a.pdf")
}

func TestClient_StepDefinitions(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/routes/api/custom-steps":
			var req models.CreateStepRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, projectID, req.ProjectID)
			assert.Equal(t, models.ProcessingDocumentByDocument, req.ProcessingMode)
			require.Len(t, req.Prompts, 1)
			assert.Equal(t, models.PromptStandard, req.Prompts[0].Type)
			assert.Equal(t, "Is it risky?", req.Prompts[0].Prompt.Text)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"s2","project_id":"` + projectID + `","name":"` + req.Name + `"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/routes/api/custom-steps/"+projectID+"/"+stepID:
			raw, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"name":"Renamed"}`, string(raw))
			_, _ = w.Write([]byte(`{"id":"` + stepID + `","project_id":"` + projectID + `","name":"Renamed"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	created, err := client.CreateStep(ctx, models.CreateStepRequest{
		ProjectID:      projectID,
		Name:           "Risk",
		Prompts:        []models.PromptItem{models.StandardPrompt("Is it risky?")},
		ProcessingMode: models.ProcessingDocumentByDocument,
	})
	require.NoError(t, err)
	assert.Equal(t, "s2", created.ID)
	assert.Equal(t, "Risk", created.Name)

	name := "Renamed"
	updated, err := client.UpdateStep(ctx, projectID, stepID, models.UpdateStepRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
}

func TestClient_CreateProject(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/routes/projects/", r.URL.Path)
		var req models.CreateProjectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Policies", req.Name)
		assert.Equal(t, "u1", req.OwnerUserID)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p9","name":"Policies","owner_user_id":"u1"}`))
	})

	p, err := client.CreateProject(context.Background(), "Policies", "u1")
	require.NoError(t, err)
	assert.Equal(t, "p9", p.ID)
	assert.Equal(t, "u1", p.OwnerUserID)
}

func TestClient_AnalyticsSummary(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/routes/summary", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, projectID, q.Get("project_id"))
		assert.Equal(t, "negative", q.Get("sentiment_filter"))
		assert.False(t, q.Has("complexity_filter"))
		assert.False(t, q.Has("topic_filter"))
		_, _ = w.Write([]byte(`{"total_documents":3,"sentiment_distribution":{"negative":3},` +
			`"complexity_distribution":{"High":2,"Low":1},"top_topics":[{"topic_name":"privacy","count":2}]}`))
	})

	sum, err := client.AnalyticsSummary(context.Background(), models.AnalyticsFilter{ProjectID: projectID, Sentiment: "negative"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalDocuments)
	assert.Equal(t, 2, sum.ComplexityDistribution["High"])
	require.Len(t, sum.TopTopics, 1)
	assert.Equal(t, "privacy", sum.TopTopics[0].TopicName)
	assert.Nil(t, sum.Error)
}

func TestClient_ReprocessBasic(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/routes/documents/d1/reprocess-basic":
			_, _ = w.Write([]byte(`{"success":true,"message":"done","analysis_result":{"sentiment":"neutral"}}`))
		case "/routes/documents/bulk-reprocess-basic":
			var req models.BulkReprocessRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, projectID, req.ProjectID)
			assert.Equal(t, []string{"error"}, req.Statuses)
			assert.Empty(t, req.DocumentIDs)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"message":"queued","task_count":4}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	one, err := client.ReprocessBasic(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, one.Success)
	assert.JSONEq(t, `{"sentiment":"neutral"}`, string(one.AnalysisResult))

	bulk, err := client.BulkReprocessBasic(ctx, models.BulkReprocessRequest{ProjectID: projectID, Statuses: []string{"error"}})
	require.NoError(t, err)
	assert.Equal(t, 4, bulk.TaskCount)
}

type fakeStreams map[string]bool

func (f fakeStreams) IsOpen(stepID string) bool { return f[stepID] }

func statsServer(t *testing.T, progressJSON string) *backend.Client {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/routes/api/custom-steps/" + projectID + "/" + stepID + "/results-summary":
			_, _ = w.Write([]byte(`{"step_name":"Risk","total_documents_analyzed":9,"total_project_documents":10,"summary_type":"simple_value"}`))
		case "/routes/api/custom-steps/" + projectID + "/" + stepID + "/progress":
			_, _ = w.Write([]byte(progressJSON))
		default:
			http.NotFound(w, r)
		}
	})
	return client
}

func TestStatsCache_AdoptsFinalStatusForStaleActiveStep(t *testing.T) {
	store := progress.New()
	store.StartProcessing(stepID, 10)
	cache := backend.NewStatsCache(statsServer(t, `{"status":"idle","total":10,"processed":9,"failed":1,"percent":100}`), store)

	require.NoError(t, cache.RefreshStats(context.Background(), projectID, stepID))

	got := store.Get(stepID)
	assert.Equal(t, models.StatusIdle, got.RunStatus)
	assert.False(t, got.IsRunning)
	assert.Equal(t, 100, got.Percent)
	summary, ok := cache.Summary(stepID)
	require.True(t, ok)
	assert.Equal(t, 9, summary.TotalDocumentsAnalyzed)
}

func TestStatsCache_SettlesStepLeftPausing(t *testing.T) {
	store := progress.New()
	store.SetStepRunStatus(stepID, models.StatusPausing)
	cache := backend.NewStatsCache(statsServer(t, `{"status":"paused","total":10,"processed":6,"failed":0}`), store)

	require.NoError(t, cache.RefreshStats(context.Background(), projectID, stepID))

	got := store.Get(stepID)
	assert.Equal(t, models.StatusPaused, got.RunStatus)
	assert.Equal(t, 6, got.Processed)
}

func TestStatsCache_KeepsLocalFinalStatus(t *testing.T) {
	store := progress.New()
	store.FinishProcessing(stepID, models.StatusCompletedWithErrors, nil, nil)
	cache := backend.NewStatsCache(statsServer(t, `{"status":"idle","total":10,"processed":9,"failed":1,"percent":100}`), store)

	require.NoError(t, cache.RefreshStats(context.Background(), projectID, stepID))

	got := store.Get(stepID)
	assert.Equal(t, models.StatusCompletedWithErrors, got.RunStatus)
	assert.Equal(t, 9, got.Processed)
	assert.Equal(t, 1, got.Failed)
}

func TestStatsCache_IgnoresActiveRemoteStatus(t *testing.T) {
	store := progress.New()
	store.SetStepRunStatus(stepID, models.StatusPaused)
	cache := backend.NewStatsCache(statsServer(t, `{"status":"running","total":10,"processed":4}`), store)

	require.NoError(t, cache.SyncProgress(context.Background(), projectID, stepID))
	got := store.Get(stepID)
	assert.Equal(t, models.StatusPaused, got.RunStatus)
	assert.Equal(t, 4, got.Processed)
}

func TestStatsCache_SkipsStreamingSteps(t *testing.T) {
	store := progress.New()
	store.StartProcessing(stepID, 10)
	cache := backend.NewStatsCache(statsServer(t, `{"status":"idle","processed":9}`), store)
	cache.AttachStreams(fakeStreams{stepID: true})

	require.NoError(t, cache.SyncProgress(context.Background(), projectID, stepID))
	got := store.Get(stepID)
	assert.Equal(t, models.StatusStarting, got.RunStatus)
	assert.Zero(t, got.Processed)
}
