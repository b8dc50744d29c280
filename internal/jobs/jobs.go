package jobs

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// Job ids.
const (
	StepsSyncJob    = "steps-sync"
	ProgressSyncJob = "progress-sync"
)

// RegisterAll adds every maintenance job to the manager.
func RegisterAll(jm *JobManager) {
	syncer := NewStepSync()
	jm.Register(StepsSyncJob, "Sync Steps", syncer.Run)
	jm.Register(ProgressSyncJob, "Sync Progress", SyncProgress)
}

// StartJobs starts the background job scheduler. The caller stops it on
// shutdown.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	every := app.Config().SyncEvery()
	if every == 0 {
		log.Info().Msg("sync interval is 0, scheduled syncs are disabled")
		return s
	}

	schedule(s, app, StepsSyncJob, every, false)
	// Offset from the steps sync so both do not compete for the manager.
	schedule(s, app, ProgressSyncJob, every, true)

	log.Info().Dur("every", every).Msg("starting background job scheduler")
	s.StartAsync()
	return s
}

func schedule(s *gocron.Scheduler, app JobContext, id string, every time.Duration, wait bool) {
	log.Info().Str("job", id).Dur("every", every).Msg("scheduling job")
	sched := s.Every(every)
	if wait {
		sched = sched.WaitForSchedule()
	}
	_, err := sched.Do(func() {
		// Go through the manager so a scheduled run never overlaps a manual one.
		if err := app.JobManager().RunJob(id, app); err != nil {
			log.Warn().Err(err).Str("job", id).Msg("scheduled job could not start")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("error scheduling job")
	}
}
