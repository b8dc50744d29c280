package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/render"
	"github.com/policypulse/policypulse-go/internal/store"
	"github.com/policypulse/policypulse-go/internal/stream"
)

// StepView is a step definition together with its live progress.
type StepView struct {
	Step      models.CustomStep          `json:"step"`
	Progress  models.JobProgress         `json:"progress"`
	Summary   *models.StepResultsSummary `json:"summary,omitempty"`
	Streaming bool                       `json:"streaming"`
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.app.Prefs().SelectedProject()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Could not read selected project")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"project_id": projectID})
}

func (s *Server) handleSetProject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := s.app.Prefs().SetSelectedProject(payload.ProjectID); err != nil {
		if errors.Is(err, store.ErrInvalidProject) {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Could not save selected project")
		return
	}
	log.Info().Str("project_id", payload.ProjectID).Msg("selected project changed")
	RespondWithJSON(w, http.StatusOK, map[string]string{"project_id": payload.ProjectID})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.app.Backend().ListProjects(r.Context())
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var payload models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" || len(payload.Name) > 255 {
		RespondWithError(w, http.StatusBadRequest, "Project name must be 1 to 255 characters")
		return
	}
	if payload.OwnerUserID == "" {
		payload.OwnerUserID = s.app.Config().Backend.UserID
	}
	if payload.OwnerUserID == "" {
		RespondWithError(w, http.StatusBadRequest, "owner_user_id is required")
		return
	}
	project, err := s.app.Backend().CreateProject(r.Context(), payload.Name, payload.OwnerUserID)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	log.Info().Str("project_id", project.ID).Str("name", project.Name).Msg("project created")
	RespondWithJSON(w, http.StatusCreated, project)
}

// handleListSteps lists the selected project's steps and records them with
// the stream manager, which opens streams for any that are running.
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}
	steps, err := s.app.Backend().ListSteps(r.Context(), projectID)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	s.app.Streams().Reconcile(projectID, steps)

	views := make([]StepView, 0, len(steps))
	for _, st := range steps {
		v := StepView{
			Step:      st,
			Progress:  s.app.Progress().Get(st.ID),
			Streaming: s.app.Streams().IsOpen(st.ID),
		}
		if sum, ok := s.app.Stats().Summary(st.ID); ok {
			v.Summary = sum
		}
		views = append(views, v)
	}
	RespondWithJSON(w, http.StatusOK, views)
}

// handleCreateStep defines a step in the selected project.
func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	var payload models.CreateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		RespondWithError(w, http.StatusBadRequest, "Step name is required")
		return
	}
	if payload.ProcessingMode != "" && !models.ValidProcessingMode(payload.ProcessingMode) {
		RespondWithError(w, http.StatusBadRequest, "Unknown processing mode")
		return
	}
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}
	payload.ProjectID = projectID

	step, err := s.app.Backend().CreateStep(r.Context(), payload)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	log.Info().Str("project_id", projectID).Str("step_id", step.ID).Msg("step created")
	RespondWithJSON(w, http.StatusCreated, step)
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	var payload models.UpdateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if payload.Name != nil && strings.TrimSpace(*payload.Name) == "" {
		RespondWithError(w, http.StatusBadRequest, "Step name cannot be empty")
		return
	}
	if payload.ProcessingMode != nil && !models.ValidProcessingMode(*payload.ProcessingMode) {
		RespondWithError(w, http.StatusBadRequest, "Unknown processing mode")
		return
	}
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}

	step, err := s.app.Backend().UpdateStep(r.Context(), projectID, stepID, payload)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, step)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	RespondWithJSON(w, http.StatusOK, s.app.Progress().Get(stepID))
}

// handleGetSummary returns the cached results summary, fetching it first if
// the step has none yet. The rendered text form is included for clients
// without a renderer of their own.
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	summary, ok := s.app.Stats().Summary(stepID)
	if !ok {
		projectID, ok := s.selectedProject(w)
		if !ok {
			return
		}
		if err := s.app.Stats().RefreshStats(r.Context(), projectID, stepID); err != nil {
			respondWithOpError(w, err)
			return
		}
		if summary, ok = s.app.Stats().Summary(stepID); !ok {
			RespondWithError(w, http.StatusNotFound, "No summary for step")
			return
		}
	}

	node, err := render.Summary(*summary)
	if err != nil {
		RespondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"text":    render.Text(node),
	})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	var payload struct {
		Mode models.ReprocessMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if payload.Mode == "" {
		payload.Mode = models.ModeAll
	}
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}

	if err := s.app.Control().Trigger(r.Context(), projectID, stepID, payload.Mode); err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusAccepted, s.app.Progress().Get(stepID))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}
	if err := s.app.Control().Pause(r.Context(), projectID, stepID); err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, s.app.Progress().Get(stepID))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}
	if err := s.app.Control().Resume(r.Context(), projectID, stepID); err != nil {
		respondWithOpError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusAccepted, s.app.Progress().Get(stepID))
}

// handleDeleteResults clears a step's results on the backend. Any stream is
// closed first so no late event re-populates the entry.
func (s *Server) handleDeleteResults(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}

	s.app.Streams().Close(stepID, stream.ReasonManual)
	resp, err := s.app.Backend().DeleteStepResults(r.Context(), projectID, stepID)
	if err != nil {
		respondWithOpError(w, err)
		return
	}
	s.app.Progress().ResetProgress(stepID)
	s.app.Stats().Forget(stepID)
	if err := s.app.Stats().RefreshStats(r.Context(), projectID, stepID); err != nil {
		log.Warn().Err(err).Str("step_id", stepID).Msg("refresh after deleting results failed")
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// handleDeleteStep removes a step definition and everything kept about it
// locally: its stream, progress entry, cached summary and remembered mode.
func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	projectID, ok := s.selectedProject(w)
	if !ok {
		return
	}

	s.app.Streams().Close(stepID, stream.ReasonManual)
	if err := s.app.Backend().DeleteStep(r.Context(), projectID, stepID); err != nil {
		respondWithOpError(w, err)
		return
	}
	s.app.Progress().ResetProgress(stepID)
	s.app.Stats().Forget(stepID)
	if err := s.app.Prefs().ForgetStep(stepID); err != nil {
		log.Warn().Err(err).Str("step_id", stepID).Msg("could not forget step mode")
	}
	log.Info().Str("project_id", projectID).Str("step_id", stepID).Msg("step deleted")
	w.WriteHeader(http.StatusNoContent)
}
