package control_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policypulse/policypulse-go/internal/control"
	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/notify"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/stream"
)

const (
	project = "5d1f1c2e-9a3b-4c55-8e0f-2b7a6c9d4e10"
	step    = "step-a"
)

type fakeBackend struct {
	mu       sync.Mutex
	actions  []models.StepAction
	ack      map[models.StepAction]string
	err      error
	snapshot *models.ProgressPayload
	snapErr  error
	onManage func()
}

func (b *fakeBackend) Manage(_ context.Context, _, stepID string, action models.StepAction) (*models.StepActionResponse, error) {
	if b.onManage != nil {
		b.onManage()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, action)
	if b.err != nil {
		return nil, b.err
	}
	ack := string(action) + "_requested"
	if a, ok := b.ack[action]; ok {
		ack = a
	}
	return &models.StepActionResponse{StepID: stepID, Action: ack, Message: "ok"}, nil
}

func (b *fakeBackend) Progress(context.Context, string, string) (*models.ProgressPayload, error) {
	if b.snapErr != nil {
		return nil, b.snapErr
	}
	if b.snapshot == nil {
		return nil, errors.New("no snapshot")
	}
	snap := *b.snapshot
	return &snap, nil
}

func (b *fakeBackend) calls() []models.StepAction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.StepAction(nil), b.actions...)
}

type fakeStreams struct {
	modes     map[string]models.ReprocessMode
	opened    []models.ReprocessMode
	restarted []models.ReprocessMode
	openErr   error
}

func (s *fakeStreams) Open(_, _ string, mode models.ReprocessMode) error {
	s.opened = append(s.opened, mode)
	return s.openErr
}

func (s *fakeStreams) Restart(_, _ string, mode models.ReprocessMode) error {
	s.restarted = append(s.restarted, mode)
	return nil
}

func (s *fakeStreams) LastMode(stepID string) (models.ReprocessMode, bool) {
	m, ok := s.modes[stepID]
	return m, ok
}

func setup(status models.RunStatus) (*progress.Store, *fakeStreams, *fakeBackend, *control.Controller) {
	store := progress.New()
	store.SetStepRunStatus(step, status)
	streams := &fakeStreams{modes: map[string]models.ReprocessMode{}}
	be := &fakeBackend{}
	return store, streams, be, control.New(store, streams, be)
}

func TestPauseShowsPausingThenPaused(t *testing.T) {
	store := progress.New()
	store.SetStepRunStatus(step, models.StatusProcessingDocSuccess)

	var seen []models.RunStatus
	store.Subscribe(func(p models.JobProgress) { seen = append(seen, p.RunStatus) })

	be := &fakeBackend{}
	c := control.New(store, &fakeStreams{}, be)
	require.NoError(t, c.Pause(context.Background(), project, step))

	assert.Equal(t, []models.RunStatus{models.StatusPausing, models.StatusPaused}, seen)
	assert.Equal(t, []models.StepAction{models.ActionPause}, be.calls())
	assert.False(t, store.Get(step).IsRunning)
}

func TestPauseKeepsStatusSettledDuringRequest(t *testing.T) {
	store, _, be, c := setup(models.StatusProcessingDocStart)
	// The run finishes while the pause request is in flight.
	be.onManage = func() { store.FinishProcessing(step, models.StatusCompleted, nil, nil) }

	require.NoError(t, c.Pause(context.Background(), project, step))
	got := store.Get(step)
	assert.Equal(t, models.StatusCompleted, got.RunStatus)
	assert.Equal(t, 100, got.Percent)
}

func TestPauseFailureRollsBack(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		ack      string
		snapshot *models.ProgressPayload
		snapErr  error
		want     models.RunStatus
	}{
		{
			name:     "backend finished the run",
			ack:      models.AckPauseFailed,
			snapshot: &models.ProgressPayload{Status: "completed", Processed: models.Ptr(10), Total: models.Ptr(10)},
			want:     models.StatusCompleted,
		},
		{
			name:     "backend paused anyway",
			err:      errors.New("connection reset"),
			snapshot: &models.ProgressPayload{Status: "paused", Processed: models.Ptr(4), Total: models.Ptr(10)},
			want:     models.StatusPaused,
		},
		{
			name:     "backend still running",
			err:      errors.New("connection reset"),
			snapshot: &models.ProgressPayload{Status: "running"},
			want:     models.StatusPausing,
		},
		{
			name:    "progress unavailable",
			err:     errors.New("connection reset"),
			snapErr: errors.New("connection reset"),
			want:    models.StatusPausing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, be, c := setup(models.StatusProcessingDocSuccess)
			be.err = tt.err
			be.snapshot = tt.snapshot
			be.snapErr = tt.snapErr
			if tt.ack != "" {
				be.ack = map[models.StepAction]string{models.ActionPause: tt.ack}
			}

			err := c.Pause(context.Background(), project, step)
			require.Error(t, err)
			if tt.ack != "" {
				assert.ErrorIs(t, err, control.ErrRejected)
			}
			got := store.Get(step)
			assert.Equal(t, tt.want, got.RunStatus)
			if tt.want == models.StatusPausing {
				require.NotNil(t, got.Error)
				assert.Contains(t, *got.Error, "Pause request failed")
			}
		})
	}
}

func TestPauseFailureOfIdleStepRestoresIt(t *testing.T) {
	store, _, be, c := setup(models.StatusCompleted)
	be.err = errors.New("connection reset")
	be.snapErr = errors.New("connection reset")

	require.Error(t, c.Pause(context.Background(), project, step))
	assert.Equal(t, models.StatusCompleted, store.Get(step).RunStatus)
}

// A pause that fails after the sweep closed the stream must not reopen it:
// a second reprocess request would start another run on the backend.
func TestFailedPauseDoesNotReopenStream(t *testing.T) {
	store := progress.New()
	opener := &pipeOpener{writers: make(chan *io.PipeWriter, 4)}
	manager := stream.New(store, opener, stream.WithNotifier(&notify.Recorder{}))
	manager.Start()
	t.Cleanup(manager.CloseAll)

	require.NoError(t, manager.Open(project, step, models.ModeAll))
	w := <-opener.writers
	_, err := fmt.Fprint(w, "event: progress\ndata: {\"status\":\"processing_doc_success\",\"processed\":4,\"total\":10}\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.Get(step).RunStatus == models.StatusProcessingDocSuccess
	}, time.Second, 5*time.Millisecond)

	be := &fakeBackend{
		err:     errors.New("timeout"),
		snapErr: errors.New("timeout"),
		// Slow enough for the sweep to close the stream while "pausing".
		onManage: func() { time.Sleep(100 * time.Millisecond) },
	}
	c := control.New(store, manager, be)
	require.Error(t, c.Pause(context.Background(), project, step))

	// Give the sweep time to act on the rollback.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, manager.IsOpen(step))
	assert.Equal(t, 1, manager.OpenCount(step))
	assert.Len(t, opener.writers, 0)
	got := store.Get(step)
	assert.Equal(t, models.StatusPausing, got.RunStatus)
	assert.NotEqual(t, models.StatusFailedPermanently, got.RunStatus)
}

func TestPauseValidation(t *testing.T) {
	_, _, be, c := setup(models.StatusProcessingDocStart)

	assert.ErrorIs(t, c.Pause(context.Background(), "", step), control.ErrNoProject)
	assert.ErrorIs(t, c.Pause(context.Background(), "not-a-uuid", step), control.ErrNoProject)
	assert.ErrorIs(t, c.Pause(context.Background(), project, "unknown"), control.ErrStepNotTracked)
	assert.Empty(t, be.calls())
}

func TestResumeReopensWithRememberedMode(t *testing.T) {
	store, streams, be, c := setup(models.StatusPaused)
	streams.modes[step] = models.ModeFailed

	require.NoError(t, c.Resume(context.Background(), project, step))

	assert.Equal(t, []models.StepAction{models.ActionResume}, be.calls())
	assert.Equal(t, []models.ReprocessMode{models.ModeFailed}, streams.opened)
	assert.Equal(t, models.StatusStarting, store.Get(step).RunStatus)
	assert.True(t, store.Get(step).IsRunning)
}

func TestResumeToleratesOpenStream(t *testing.T) {
	_, streams, _, c := setup(models.StatusPaused)
	streams.modes[step] = models.ModeNew
	streams.openErr = fmt.Errorf("wrapped: %w", stream.ErrAlreadyOpen)

	assert.NoError(t, c.Resume(context.Background(), project, step))
}

func TestResumeFailures(t *testing.T) {
	t.Run("missing mode", func(t *testing.T) {
		store, streams, be, c := setup(models.StatusPaused)
		err := c.Resume(context.Background(), project, step)
		assert.ErrorIs(t, err, control.ErrMissingMode)
		assert.Empty(t, be.calls())
		assert.Empty(t, streams.opened)
		assert.Equal(t, models.StatusPaused, store.Get(step).RunStatus)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, streams, be, c := setup(models.StatusPaused)
		streams.modes[step] = "everything"
		assert.ErrorIs(t, c.Resume(context.Background(), project, step), control.ErrInvalidMode)
		assert.Empty(t, be.calls())
	})

	t.Run("rejected", func(t *testing.T) {
		store, streams, be, c := setup(models.StatusPaused)
		streams.modes[step] = models.ModeAll
		be.ack = map[models.StepAction]string{models.ActionResume: models.AckResumeFailed}

		assert.ErrorIs(t, c.Resume(context.Background(), project, step), control.ErrRejected)
		assert.Empty(t, streams.opened)
		assert.Equal(t, models.StatusPaused, store.Get(step).RunStatus)
	})
}

func TestTrigger(t *testing.T) {
	_, streams, _, c := setup(models.StatusIdle)

	require.NoError(t, c.Trigger(context.Background(), project, step, models.ModePending))
	assert.Equal(t, []models.ReprocessMode{models.ModePending}, streams.restarted)

	assert.ErrorIs(t, c.Trigger(context.Background(), project, step, "some"), control.ErrInvalidMode)
	assert.ErrorIs(t, c.Trigger(context.Background(), "", step, models.ModeAll), control.ErrNoProject)
	assert.Len(t, streams.restarted, 1)
}

// pipeOpener serves in-memory event streams.
type pipeOpener struct {
	writers chan *io.PipeWriter
}

func (o *pipeOpener) OpenStream(ctx context.Context, _, _ string, _ models.ReprocessMode) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	o.writers <- pw
	return pr, nil
}

func TestPauseThenLatePausedEvent(t *testing.T) {
	store := progress.New()
	opener := &pipeOpener{writers: make(chan *io.PipeWriter, 4)}
	notes := &notify.Recorder{}
	manager := stream.New(store, opener, stream.WithNotifier(notes))
	t.Cleanup(manager.CloseAll)

	require.NoError(t, manager.Open(project, step, models.ModeAll))
	w := <-opener.writers
	_, err := fmt.Fprint(w, "event: progress\ndata: {\"status\":\"processing_doc_success\",\"processed\":4,\"total\":10}\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.Get(step).RunStatus == models.StatusProcessingDocSuccess
	}, time.Second, 5*time.Millisecond)

	var seen []models.RunStatus
	var mu sync.Mutex
	store.Subscribe(func(p models.JobProgress) {
		mu.Lock()
		seen = append(seen, p.RunStatus)
		mu.Unlock()
	})

	c := control.New(store, manager, &fakeBackend{})
	require.NoError(t, c.Pause(context.Background(), project, step))
	assert.Equal(t, models.StatusPaused, store.Get(step).RunStatus)

	_, err = fmt.Fprint(w, "event: processing_paused\ndata: {\"status\":\"paused\",\"processed\":5,\"total\":10}\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !manager.IsOpen(step) }, time.Second, 5*time.Millisecond)

	got := store.Get(step)
	assert.Equal(t, models.StatusPaused, got.RunStatus)
	assert.Equal(t, 5, got.Processed)
	assert.False(t, got.IsRunning)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, []models.RunStatus{models.StatusPausing, models.StatusPaused}, seen[:2])
}
