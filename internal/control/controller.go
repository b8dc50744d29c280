// Package control turns pause, resume and reprocess requests into backend
// calls and keeps the progress store consistent with their outcome.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/stream"
)

var (
	ErrNoProject      = errors.New("control: no project selected")
	ErrStepNotTracked = errors.New("control: step is not tracked")
	ErrMissingMode    = errors.New("control: no reprocess mode remembered for step")
	ErrInvalidMode    = errors.New("control: invalid reprocess mode")
	// ErrRejected is returned when the backend answers 2xx but refuses the action.
	ErrRejected = errors.New("control: request rejected by backend")
)

// Backend is the part of the backend client the controller needs.
type Backend interface {
	Manage(ctx context.Context, projectID, stepID string, action models.StepAction) (*models.StepActionResponse, error)
	Progress(ctx context.Context, projectID, stepID string) (*models.ProgressPayload, error)
}

// Streams is the part of the stream manager the controller needs.
type Streams interface {
	Open(projectID, stepID string, mode models.ReprocessMode) error
	Restart(projectID, stepID string, mode models.ReprocessMode) error
	LastMode(stepID string) (models.ReprocessMode, bool)
}

type Controller struct {
	store   *progress.Store
	streams Streams
	backend Backend
}

func New(store *progress.Store, streams Streams, backend Backend) *Controller {
	return &Controller{store: store, streams: streams, backend: backend}
}

// Pause asks the backend to stop the step's run at the next document
// boundary. The step shows "pausing" while the request is in flight.
func (c *Controller) Pause(ctx context.Context, projectID, stepID string) error {
	if err := checkProject(projectID); err != nil {
		return err
	}
	if !c.store.Tracked(stepID) {
		return fmt.Errorf("%w: %s", ErrStepNotTracked, stepID)
	}

	prev := c.store.Get(stepID).RunStatus
	c.store.SetStepRunStatus(stepID, models.StatusPausing)

	resp, err := c.backend.Manage(ctx, projectID, stepID, models.ActionPause)
	if err == nil && resp.Action != models.AckPauseRequested {
		err = rejected(resp)
	}
	if err != nil {
		c.rollbackPause(ctx, projectID, stepID, prev)
		return fmt.Errorf("pause step %s: %w", stepID, err)
	}

	// A processing_paused event may have settled it already, and a run that
	// finished meanwhile keeps its final status.
	if cur := c.store.Get(stepID).RunStatus; cur == models.StatusPausing {
		c.store.SetStepRunStatus(stepID, models.StatusPaused)
	}
	log.Info().Str("project_id", projectID).Str("step_id", stepID).Str("ack", resp.Action).Msg("pause accepted")
	return nil
}

// rollbackPause settles a step after a failed pause request. A final or
// paused status reported by the backend is adopted, and a step that was not
// running goes back to its old status. A running step stays "pausing": its
// stream is already closed and reopening it would start another run, so the
// progress sync settles it once the backend reports a non-active status.
func (c *Controller) rollbackPause(ctx context.Context, projectID, stepID string, prev models.RunStatus) {
	if c.store.Get(stepID).RunStatus != models.StatusPausing {
		return
	}
	snap, err := c.backend.Progress(ctx, projectID, stepID)
	if err == nil {
		if remote, ok := models.ParseRunStatus(snap.Status); ok && !remote.Active() {
			c.store.UpdateProgress(stepID, *snap)
			log.Info().Str("step_id", stepID).Str("status", string(remote)).Msg("pause failed; adopted backend status")
			return
		}
	} else {
		log.Warn().Err(err).Str("step_id", stepID).Msg("pause failed and progress is unavailable")
	}
	if !prev.Active() {
		c.store.SetStepRunStatus(stepID, prev)
		log.Info().Str("step_id", stepID).Str("status", string(prev)).Msg("pause failed; restored previous status")
		return
	}
	text := "Pause request failed; waiting for the backend to report the step's status."
	c.store.UpdateProgress(stepID, models.ProgressPayload{Error: &text})
	log.Warn().Str("step_id", stepID).Msg("pause failed; step left pausing until the backend settles it")
}

// Resume restarts a paused step with the mode it last ran with.
func (c *Controller) Resume(ctx context.Context, projectID, stepID string) error {
	if err := checkProject(projectID); err != nil {
		return err
	}
	if !c.store.Tracked(stepID) {
		return fmt.Errorf("%w: %s", ErrStepNotTracked, stepID)
	}
	raw, ok := c.streams.LastMode(stepID)
	if !ok || raw == "" {
		return fmt.Errorf("%w: %s", ErrMissingMode, stepID)
	}
	mode, valid := models.ParseReprocessMode(string(raw))
	if !valid {
		return fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}

	resp, err := c.backend.Manage(ctx, projectID, stepID, models.ActionResume)
	if err == nil && resp.Action != models.AckResumeRequested {
		err = rejected(resp)
	}
	if err != nil {
		return fmt.Errorf("resume step %s: %w", stepID, err)
	}

	c.store.SetStepRunStatus(stepID, models.StatusStarting)
	if err := c.streams.Open(projectID, stepID, mode); err != nil && !errors.Is(err, stream.ErrAlreadyOpen) {
		return fmt.Errorf("resume step %s: %w", stepID, err)
	}
	log.Info().Str("project_id", projectID).Str("step_id", stepID).Str("mode", string(mode)).Msg("resumed")
	return nil
}

// Trigger starts a fresh run of the step over the given document subset.
func (c *Controller) Trigger(ctx context.Context, projectID, stepID string, mode models.ReprocessMode) error {
	if err := checkProject(projectID); err != nil {
		return err
	}
	m, ok := models.ParseReprocessMode(string(mode))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := c.streams.Restart(projectID, stepID, m); err != nil {
		return fmt.Errorf("start step %s: %w", stepID, err)
	}
	return nil
}

func checkProject(projectID string) error {
	if projectID == "" {
		return ErrNoProject
	}
	if _, err := uuid.Parse(projectID); err != nil {
		return fmt.Errorf("%w: %q is not a project id", ErrNoProject, projectID)
	}
	return nil
}

func rejected(resp *models.StepActionResponse) error {
	msg := resp.Message
	if resp.Details != nil && *resp.Details != "" {
		msg += " (" + *resp.Details + ")"
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Action, msg)
}
