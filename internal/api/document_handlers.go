package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/render"
)

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}
	docs, err := s.app.Backend().ListDocuments(r.Context(), projectID)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, docs)
}

// handleDocumentResults renders a document's per-step results as an HTML
// fragment, or as plain text with ?format=text.
func (s *Server) handleDocumentResults(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.app.Backend().GetDocument(r.Context(), documentID)
	if err != nil {
		respondWithOpError(w, err)
		return
	}

	names := make(map[string]string)
	if steps, err := s.app.Backend().ListSteps(r.Context(), doc.ProjectID); err != nil {
		log.Warn().Err(err).Str("project_id", doc.ProjectID).Msg("could not load step names; labeling results by id")
	} else {
		for _, st := range steps {
			names[st.ID] = st.Name
		}
	}

	node, err := render.StepResults(*doc, names)
	if err != nil {
		RespondWithError(w, http.StatusBadGateway, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(render.Text(node)))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := render.HTML(w, node); err != nil {
		log.Error().Err(err).Str("document_id", documentID).Msg("could not write rendered results")
	}
}

// handleAnalytics returns the analytics summary of a project: the one named
// by ?project_id, else the selected one. Without either it covers every
// project the caller can see.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AnalyticsFilter{
		ProjectID:  q.Get("project_id"),
		Sentiment:  q.Get("sentiment"),
		Complexity: q.Get("complexity"),
		Topic:      q.Get("topic"),
	}
	if filter.ProjectID == "" {
		projectID, err := s.app.Prefs().SelectedProject()
		if err != nil {
			RespondWithError(w, http.StatusInternalServerError, "Could not read selected project")
			return
		}
		filter.ProjectID = projectID
	}
	summary, err := s.app.Backend().AnalyticsSummary(r.Context(), filter)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReprocessBasic(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	resp, err := s.app.Backend().ReprocessBasic(r.Context(), documentID)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	if !resp.Success {
		log.Warn().Str("document_id", documentID).Str("message", resp.Message).Msg("basic reprocess failed")
		RespondWithError(w, http.StatusBadGateway, resp.Message)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// handleBulkReprocessBasic queues basic reprocessing of the listed documents,
// or of the selected project's documents in the given statuses.
func (s *Server) handleBulkReprocessBasic(w http.ResponseWriter, r *http.Request) {
	var payload models.BulkReprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if len(payload.DocumentIDs) == 0 {
		projectID, ok := s.selectedProject(w)
		if !ok {
			return
		}
		payload.ProjectID = projectID
	}
	resp, err := s.app.Backend().BulkReprocessBasic(r.Context(), payload)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	log.Info().Int("tasks", resp.TaskCount).Msg("bulk basic reprocess queued")
	RespondWithJSON(w, http.StatusAccepted, resp)
}
