package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/policypulse/policypulse-go/internal/models"
)

// refreshLimit caps concurrent stats requests against the backend.
const refreshLimit = 4

// StepSync brings the local view in line with the selected project's step
// definitions.
type StepSync struct {
	mu sync.Mutex
	// listed holds the step ids of each project's previous listing.
	listed map[string]map[string]bool
}

func NewStepSync() *StepSync {
	return &StepSync{listed: make(map[string]map[string]bool)}
}

// Run lists the steps, drops the ones that no longer exist, seeds untracked
// steps from their backend run status, reconciles streams and refreshes
// every step's stats.
func (s *StepSync) Run(ctx context.Context, app JobContext) error {
	projectID, err := app.Prefs().SelectedProject()
	if err != nil {
		return err
	}
	if projectID == "" {
		log.Info().Msg("no project selected; skipping steps sync")
		return nil
	}

	steps, err := app.Backend().ListSteps(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list steps of project %s: %w", projectID, err)
	}

	current := make(map[string]bool, len(steps))
	for _, st := range steps {
		current[st.ID] = true
	}
	s.dropMissing(app, projectID, current)

	for _, st := range steps {
		seed(app, st)
	}
	app.Streams().Reconcile(projectID, steps)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshLimit)
	var mu sync.Mutex
	var errs []error
	for _, st := range steps {
		g.Go(func() error {
			if err := app.Stats().RefreshStats(gctx, projectID, st.ID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("step %s: %w", st.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Str("project_id", projectID).Int("steps", len(steps)).Int("failed_refreshes", len(errs)).Msg("steps synced")
	return errors.Join(errs...)
}

// dropMissing removes local state of steps that are gone. A step counts as
// deleted only when an earlier listing of the same project contained it;
// steps of another project just leave the store.
func (s *StepSync) dropMissing(app JobContext, projectID string, current map[string]bool) {
	s.mu.Lock()
	previous := s.listed[projectID]
	s.listed[projectID] = current
	s.mu.Unlock()

	for _, p := range app.Progress().Snapshot() {
		if current[p.StepID] {
			continue
		}
		app.Progress().ResetProgress(p.StepID)
		app.Stats().Forget(p.StepID)
		log.Debug().Str("step_id", p.StepID).Msg("step no longer listed; dropped its progress")
	}
	for id := range previous {
		if current[id] {
			continue
		}
		if err := app.Prefs().ForgetStep(id); err != nil {
			log.Warn().Err(err).Str("step_id", id).Msg("could not forget deleted step")
		}
		app.Progress().ResetProgress(id)
		log.Info().Str("step_id", id).Msg("step was deleted")
	}
}

// seed gives an untracked step the status its definition reports. Tracked
// steps keep their local state; their stream or the progress sync owns it.
func seed(app JobContext, st models.CustomStep) {
	if app.Progress().Tracked(st.ID) || st.RunStatus == nil {
		return
	}
	status, ok := models.ParseRunStatus(*st.RunStatus)
	if !ok {
		log.Debug().Str("step_id", st.ID).Str("status", *st.RunStatus).Msg("ignoring unknown step run status")
		return
	}
	if status == models.StatusIdle {
		return
	}
	app.Progress().SetStepRunStatus(st.ID, status)
}

// SyncProgress merges the backend's progress snapshot into every tracked
// step that has no open stream. It recovers final events that were lost
// with a dropped connection.
func SyncProgress(ctx context.Context, app JobContext) error {
	projectID, err := app.Prefs().SelectedProject()
	if err != nil {
		return err
	}
	if projectID == "" {
		return nil
	}

	var errs []error
	for _, p := range app.Progress().Snapshot() {
		if app.Streams().IsOpen(p.StepID) {
			continue
		}
		if err := app.Stats().SyncProgress(ctx, projectID, p.StepID); err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", p.StepID, err))
		}
	}
	return errors.Join(errs...)
}
