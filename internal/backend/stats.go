package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/progress"
)

// StreamChecker reports whether a live event stream exists for a step.
type StreamChecker interface {
	IsOpen(stepID string) bool
}

// StatsCache keeps the latest results summary per step and reconciles the
// backend's progress snapshot into the store.
type StatsCache struct {
	client  *Client
	store   *progress.Store
	mu      sync.RWMutex
	streams StreamChecker
	byStep  map[string]*models.StepResultsSummary
}

// NewStatsCache creates a cache writing into store.
func NewStatsCache(client *Client, store *progress.Store) *StatsCache {
	return &StatsCache{
		client: client,
		store:  store,
		byStep: make(map[string]*models.StepResultsSummary),
	}
}

// AttachStreams lets the cache skip steps with a live stream. It is set
// after construction because the stream manager itself depends on the cache.
func (c *StatsCache) AttachStreams(sc StreamChecker) {
	c.mu.Lock()
	c.streams = sc
	c.mu.Unlock()
}

// Summary returns the cached summary of a step, if any.
func (c *StatsCache) Summary(stepID string) (*models.StepResultsSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byStep[stepID]
	return s, ok
}

// Forget drops the cached summary of a step.
func (c *StatsCache) Forget(stepID string) {
	c.mu.Lock()
	delete(c.byStep, stepID)
	c.mu.Unlock()
}

// RefreshStats fetches the results summary and the progress snapshot of a
// step. Both are attempted; the first error is returned.
func (c *StatsCache) RefreshStats(ctx context.Context, projectID, stepID string) error {
	summary, sumErr := c.client.ResultsSummary(ctx, projectID, stepID)
	if sumErr == nil {
		c.mu.Lock()
		c.byStep[stepID] = summary
		c.mu.Unlock()
	} else {
		sumErr = fmt.Errorf("results summary: %w", sumErr)
	}
	return errors.Join(sumErr, c.SyncProgress(ctx, projectID, stepID))
}

// SyncProgress merges the backend's progress snapshot into the store. Steps
// with a live stream are left alone; the stream owns them. The backend's
// status is adopted only when it is final and ours is still active, which
// recovers a dropped final event without overwriting a local paused or
// completed state. A step left "pausing" by a failed pause request is
// settled the same way.
func (c *StatsCache) SyncProgress(ctx context.Context, projectID, stepID string) error {
	if c.isStreaming(stepID) {
		return nil
	}
	snap, err := c.client.Progress(ctx, projectID, stepID)
	if err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	if c.isStreaming(stepID) {
		return nil
	}

	local := c.store.Get(stepID)
	remote, known := models.ParseRunStatus(snap.Status)

	update := models.ProgressPayload{
		Total:     snap.Total,
		Processed: snap.Processed,
		Failed:    snap.Failed,
	}
	unsettled := local.RunStatus.Active() || local.RunStatus == models.StatusPausing
	if unsettled && known && !remote.Active() {
		update = *snap
		log.Info().
			Str("step_id", stepID).
			Str("local", string(local.RunStatus)).
			Str("remote", string(remote)).
			Msg("adopting backend status for step without stream")
	}
	c.store.UpdateProgress(stepID, update)
	return nil
}

func (c *StatsCache) isStreaming(stepID string) bool {
	c.mu.RLock()
	sc := c.streams
	c.mu.RUnlock()
	return sc != nil && sc.IsOpen(stepID)
}
