package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/config"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/store"
	"github.com/policypulse/policypulse-go/internal/stream"
)

var (
	ErrJobRunning  = errors.New("a job is already running")
	ErrJobNotFound = errors.New("job not found")
)

// JobContext provides the dependencies a job needs.
// The core.App struct implements this interface.
type JobContext interface {
	Config() *config.Config
	Backend() *backend.Client
	Prefs() *store.Store
	Progress() *progress.Store
	Stats() *backend.StatsCache
	Streams() *stream.Manager
	JobManager() *JobManager
}

type jobTask func(ctx context.Context, app JobContext) error

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "idle", "running", "success", "failed"
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]jobTask
	status  map[string]*JobStatus
	running bool
	appCtx  JobContext // used by scheduled runs
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(appCtx JobContext) *JobManager {
	base, cancel := context.WithCancel(context.Background())
	return &JobManager{
		jobs:   make(map[string]jobTask),
		status: make(map[string]*JobStatus),
		appCtx: appCtx,
		base:   base,
		cancel: cancel,
	}
}

func (jm *JobManager) Register(id, name string, task jobTask) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs[id] = task
	jm.status[id] = &JobStatus{ID: id, Name: name, Status: "idle"}
}

// RunJob starts the job in the background. Only one job runs at a time.
func (jm *JobManager) RunJob(id string, appCtx JobContext) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return ErrJobRunning
	}
	task, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	if jm.base.Err() != nil {
		jm.mu.Unlock()
		return fmt.Errorf("job manager is shut down")
	}

	jm.running = true
	status := jm.status[id]
	status.Status = "running"
	status.StartTime = time.Now()
	status.EndTime = time.Time{}
	status.Message = "Job started..."
	jm.wg.Add(1)
	jm.mu.Unlock()

	log.Info().Str("job", id).Msg("starting job")
	go func() {
		defer jm.wg.Done()
		var err error
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", id).Interface("panic", r).Msg("job panicked")
				err = fmt.Errorf("job panicked: %v", r)
			}

			jm.mu.Lock()
			status.EndTime = time.Now()
			if err != nil {
				status.Status = "failed"
				status.Message = err.Error()
			} else {
				status.Status = "success"
				status.Message = "Job completed successfully."
			}
			final, took := status.Status, status.EndTime.Sub(status.StartTime)
			jm.running = false
			jm.mu.Unlock()
			log.Info().Str("job", id).Str("status", final).Dur("took", took).Msg("finished job")
		}()

		err = task(jm.base, appCtx)
	}()
	return nil
}

// GetStatus returns a copy of every job's status, ordered by id.
func (jm *JobManager) GetStatus() []JobStatus {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jm.status))
	for _, s := range jm.status {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Running reports whether a job is in progress.
func (jm *JobManager) Running() bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.running
}

// Shutdown cancels the running job's context and waits for it to return.
func (jm *JobManager) Shutdown() {
	jm.cancel()
	jm.wg.Wait()
}
