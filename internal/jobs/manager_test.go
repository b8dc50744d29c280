package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/config"
	"github.com/policypulse/policypulse-go/internal/jobs"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/store"
	"github.com/policypulse/policypulse-go/internal/stream"
)

type fakeJobContext struct {
	cfg    *config.Config
	jobMgr *jobs.JobManager
}

func (f *fakeJobContext) Config() *config.Config       { return f.cfg }
func (f *fakeJobContext) Backend() *backend.Client     { return nil }
func (f *fakeJobContext) Prefs() *store.Store          { return nil }
func (f *fakeJobContext) Progress() *progress.Store    { return nil }
func (f *fakeJobContext) Stats() *backend.StatsCache   { return nil }
func (f *fakeJobContext) Streams() *stream.Manager     { return nil }
func (f *fakeJobContext) JobManager() *jobs.JobManager { return f.jobMgr }

func newManager() (*jobs.JobManager, *fakeJobContext) {
	ctx := &fakeJobContext{cfg: &config.Config{}}
	mgr := jobs.NewManager(ctx)
	ctx.jobMgr = mgr
	return mgr, ctx
}

func waitIdle(t *testing.T, mgr *jobs.JobManager) {
	t.Helper()
	require.Eventually(t, func() bool { return !mgr.Running() }, time.Second, 5*time.Millisecond)
}

func TestManager_NewManager(t *testing.T) {
	mgr, _ := newManager()
	assert.NotNil(t, mgr)
	assert.Empty(t, mgr.GetStatus())
}

func TestManager_RegisterAndGetStatus(t *testing.T) {
	mgr, _ := newManager()
	noop := func(context.Context, jobs.JobContext) error { return nil }
	mgr.Register("jobB", "Job B", noop)
	mgr.Register("jobA", "Job A", noop)

	statuses := mgr.GetStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "jobA", statuses[0].ID)
	assert.Equal(t, "jobB", statuses[1].ID)
	assert.Equal(t, "idle", statuses[0].Status)
}

func TestManager_RunJob_SuccessAndStatus(t *testing.T) {
	mgr, ctx := newManager()
	var called bool
	mgr.Register("jobX", "Job X", func(_ context.Context, app jobs.JobContext) error {
		called = app.Config() != nil
		return nil
	})
	require.NoError(t, mgr.RunJob("jobX", ctx))
	waitIdle(t, mgr)

	assert.True(t, called)
	statuses := mgr.GetStatus()
	assert.Equal(t, "success", statuses[0].Status)
	assert.False(t, statuses[0].EndTime.Before(statuses[0].StartTime))
}

func TestManager_RunJob_Failure(t *testing.T) {
	mgr, ctx := newManager()
	mgr.Register("jobF", "Job F", func(context.Context, jobs.JobContext) error {
		return errors.New("backend unreachable")
	})
	require.NoError(t, mgr.RunJob("jobF", ctx))
	waitIdle(t, mgr)

	statuses := mgr.GetStatus()
	assert.Equal(t, "failed", statuses[0].Status)
	assert.Equal(t, "backend unreachable", statuses[0].Message)
}

func TestManager_RunJob_AlreadyRunning(t *testing.T) {
	mgr, ctx := newManager()
	block := make(chan struct{})
	mgr.Register("jobY", "Job Y", func(context.Context, jobs.JobContext) error {
		<-block
		return nil
	})
	require.NoError(t, mgr.RunJob("jobY", ctx))
	err := mgr.RunJob("jobY", ctx)
	assert.ErrorIs(t, err, jobs.ErrJobRunning)
	close(block)
	waitIdle(t, mgr)
}

func TestManager_RunJob_NotFound(t *testing.T) {
	mgr, ctx := newManager()
	err := mgr.RunJob("nojob", ctx)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestManager_RunJob_Panic(t *testing.T) {
	mgr, ctx := newManager()
	mgr.Register("panicJob", "Panic Job", func(context.Context, jobs.JobContext) error { panic("fail") })
	require.NoError(t, mgr.RunJob("panicJob", ctx))
	waitIdle(t, mgr)

	statuses := mgr.GetStatus()
	assert.Equal(t, "failed", statuses[0].Status)
	assert.Contains(t, statuses[0].Message, "panicked")
}

func TestManager_Concurrency(t *testing.T) {
	mgr, ctx := newManager()
	block := make(chan struct{})
	var mu sync.Mutex
	var count int
	mgr.Register("jobC", "Job C", func(context.Context, jobs.JobContext) error {
		mu.Lock()
		count++
		mu.Unlock()
		<-block
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.RunJob("jobC", ctx)
		}()
	}
	wg.Wait()
	close(block)
	waitIdle(t, mgr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "job should only run once concurrently")
}

func TestManager_ShutdownCancelsRunningJob(t *testing.T) {
	mgr, ctx := newManager()
	started := make(chan struct{})
	mgr.Register("long", "Long Job", func(jobCtx context.Context, _ jobs.JobContext) error {
		close(started)
		<-jobCtx.Done()
		return jobCtx.Err()
	})
	require.NoError(t, mgr.RunJob("long", ctx))
	<-started

	mgr.Shutdown()
	assert.False(t, mgr.Running())
	assert.Equal(t, "failed", mgr.GetStatus()[0].Status)
	assert.Error(t, mgr.RunJob("long", ctx))
}
