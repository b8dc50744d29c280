package stream_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/notify"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/stream"
)

const (
	project = "5d1f1c2e-9a3b-4c55-8e0f-2b7a6c9d4e10"
	step    = "step-a"
	wait    = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeStream struct {
	stepID string
	mode   models.ReprocessMode
	w      *io.PipeWriter
}

func (s *fakeStream) send(t *testing.T, event, data string) {
	t.Helper()
	_, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	require.NoError(t, err)
}

// pipeOpener hands out in-memory streams that the test writes events into.
type pipeOpener struct {
	streams chan *fakeStream
	err     error
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{streams: make(chan *fakeStream, 16)}
}

func (o *pipeOpener) OpenStream(ctx context.Context, projectID, stepID string, mode models.ReprocessMode) (io.ReadCloser, error) {
	if o.err != nil {
		return nil, o.err
	}
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	o.streams <- &fakeStream{stepID: stepID, mode: mode, w: pw}
	return pr, nil
}

func (o *pipeOpener) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-o.streams:
		return s
	case <-time.After(wait):
		t.Fatal("no stream was opened")
		return nil
	}
}

type countingStats struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingStats() *countingStats { return &countingStats{calls: make(map[string]int)} }

func (c *countingStats) RefreshStats(_ context.Context, _, stepID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[stepID]++
	return nil
}

func (c *countingStats) count(stepID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[stepID]
}

type memModes struct {
	mu    sync.Mutex
	modes map[string]models.ReprocessMode
}

func (m *memModes) LastMode(stepID string) (models.ReprocessMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[stepID], nil
}

func (m *memModes) SetLastMode(stepID string, mode models.ReprocessMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[stepID] = mode
	return nil
}

type fixture struct {
	store   *progress.Store
	opener  *pipeOpener
	stats   *countingStats
	notes   *notify.Recorder
	modes   *memModes
	manager *stream.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  progress.New(),
		opener: newPipeOpener(),
		stats:  newCountingStats(),
		notes:  &notify.Recorder{},
		modes:  &memModes{modes: make(map[string]models.ReprocessMode)},
	}
	f.manager = stream.New(f.store, f.opener,
		stream.WithStats(f.stats),
		stream.WithNotifier(f.notes),
		stream.WithModeStore(f.modes),
	)
	t.Cleanup(f.manager.CloseAll)
	return f
}

func (f *fixture) waitClosed(t *testing.T, stepID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.manager.IsOpen(stepID) }, wait, tick)
}

func TestManager_ProgressThenCompleteWithErrors(t *testing.T) {
	f := newFixture(t)
	f.manager.Start()
	f.manager.Reconcile(project, []models.CustomStep{{ID: step, Name: "Risk"}})

	f.store.StartProcessing(step, 10)
	s := f.opener.next(t)
	assert.Equal(t, step, s.stepID)
	assert.Equal(t, models.ModeAll, s.mode, "no remembered mode falls back to all")

	s.send(t, "progress", `{"status":"processing_doc_start","processed":3,"total":10,"percent":30}`)
	require.Eventually(t, func() bool { return f.store.Get(step).Processed == 3 }, wait, tick)
	got := f.store.Get(step)
	assert.Equal(t, models.StatusProcessingDocStart, got.RunStatus)
	assert.True(t, got.IsRunning)
	assert.Equal(t, 30, got.Percent)
	assert.True(t, f.manager.IsOpen(step))

	s.send(t, "processing_complete", `{"status":"completed_with_errors","processed":9,"failed":1}`)
	f.waitClosed(t, step)
	f.manager.Wait()

	got = f.store.Get(step)
	assert.Equal(t, models.StatusCompletedWithErrors, got.RunStatus)
	assert.False(t, got.IsRunning)
	assert.Equal(t, 100, got.Percent)
	assert.Equal(t, 9, got.Processed)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, f.stats.count(step))
	assert.Equal(t, 1, f.manager.OpenCount(step))

	notes := f.notes.All()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.LevelWarning, notes[0].Level)
	assert.Contains(t, notes[0].Title, "Risk")
}

func TestManager_OverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "failed", r.URL.Query().Get("reprocess_type"))
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range []string{
			"event: init\ndata: {\"message\":\"Starting reprocessing\"}\n\n",
			": ping\n\n",
			"event: progress\ndata: {\"status\":\"processing_doc_start\",\"processed\":3,\"total\":10,\"percent\":30}\n\n",
			"event: processing_complete\ndata: {\"status\":\"completed_with_errors\",\"processed\":9,\"failed\":1}\n\n",
			"event: final_status\ndata: {\"status\":\"idle\"}\n\n",
		} {
			_, _ = io.WriteString(w, chunk)
			fl.Flush()
		}
	}))
	defer srv.Close()

	store := progress.New()
	var mu sync.Mutex
	var history []models.JobProgress
	store.Subscribe(func(p models.JobProgress) {
		mu.Lock()
		history = append(history, p)
		mu.Unlock()
	})
	stats := newCountingStats()
	m := stream.New(store, backend.New(srv.URL, "", time.Second), stream.WithStats(stats), stream.WithNotifier(&notify.Recorder{}))
	defer m.CloseAll()

	require.NoError(t, m.Open(project, step, models.ModeFailed))
	require.Eventually(t, func() bool { return !m.IsOpen(step) }, wait, tick)
	m.Wait()

	got := store.Get(step)
	assert.Equal(t, models.StatusCompletedWithErrors, got.RunStatus)
	assert.Equal(t, 100, got.Percent)
	assert.Equal(t, 1, stats.count(step))

	mu.Lock()
	defer mu.Unlock()
	var sawRunning bool
	for _, p := range history {
		if p.RunStatus == models.StatusProcessingDocStart && p.Percent == 30 && p.IsRunning {
			sawRunning = true
		}
	}
	assert.True(t, sawRunning)
}

func TestManager_TerminalTransitionsRefreshOnce(t *testing.T) {
	cases := []struct {
		name   string
		event  string
		data   string
		status models.RunStatus
	}{
		{"complete", "processing_complete", `{"status":"completed","processed":5}`, models.StatusCompleted},
		{"complete derives errors", "processing_complete", `{"processed":4,"failed":1}`, models.StatusCompletedWithErrors},
		{"progress completed", "progress", `{"status":"completed","processed":5,"total":5,"percent":100}`, models.StatusCompleted},
		{"progress paused", "progress", `{"status":"paused","processed":2}`, models.StatusPaused},
		{"paused", "processing_paused", `{"processed":2}`, models.StatusPaused},
		{"processing error", "processing_error", `{"error":"model unavailable"}`, models.StatusFailedPermanently},
		{"backend error", "error", `{"message":"db down","details":"timeout"}`, models.StatusFailedPermanently},
		{"final status", "final_status", `{"status":"error","processed_this_run":3}`, models.StatusError},
		{"final status unknown", "final_status", `{"status":"completed_ok"}`, models.StatusCompleted},
		{"end stream", "end_stream", `{"message":"No documents found"}`, models.StatusCompleted},
		{"terminal decode failure", "processing_complete", `{oops`, models.StatusFailedPermanently},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.manager.Open(project, step, models.ModeNew))
			s := f.opener.next(t)

			s.send(t, tc.event, tc.data)
			f.waitClosed(t, step)
			f.manager.Wait()

			got := f.store.Get(step)
			assert.Equal(t, tc.status, got.RunStatus)
			assert.False(t, got.IsRunning)
			assert.Equal(t, 1, f.stats.count(step))
			assert.False(t, f.manager.Close(step, stream.ReasonManual), "already closed")
			assert.Equal(t, 1, f.stats.count(step))
		})
	}
}

func TestManager_TransportFailures(t *testing.T) {
	t.Run("broken pipe", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.manager.Open(project, step, models.ModeAll))
		s := f.opener.next(t)
		s.send(t, "progress", `{"status":"processing_doc_success","processed":1}`)
		_ = s.w.CloseWithError(errors.New("reset by peer"))

		f.waitClosed(t, step)
		f.manager.Wait()
		got := f.store.Get(step)
		assert.Equal(t, models.StatusFailedPermanently, got.RunStatus)
		require.NotNil(t, got.Error)
		assert.Contains(t, *got.Error, "reset by peer")
		assert.Equal(t, 1, f.stats.count(step))
	})

	t.Run("eof without terminal event", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.manager.Open(project, step, models.ModeAll))
		s := f.opener.next(t)
		_ = s.w.Close()

		f.waitClosed(t, step)
		f.manager.Wait()
		assert.Equal(t, models.StatusFailedPermanently, f.store.Get(step).RunStatus)
		assert.Equal(t, 1, f.stats.count(step))
	})

	t.Run("open fails", func(t *testing.T) {
		f := newFixture(t)
		f.opener.err = errors.New("409 conflict")
		require.NoError(t, f.manager.Open(project, step, models.ModeAll))

		f.waitClosed(t, step)
		f.manager.Wait()
		got := f.store.Get(step)
		assert.Equal(t, models.StatusFailedPermanently, got.RunStatus)
		assert.Contains(t, *got.Error, "409 conflict")
		assert.Equal(t, 1, f.stats.count(step))
	})
}

func TestManager_NonTerminalDecodeFailureKeepsStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Open(project, step, models.ModeAll))
	s := f.opener.next(t)

	s.send(t, "progress", `{"status":`)
	require.Eventually(t, func() bool { return f.store.Get(step).Error != nil }, wait, tick)
	assert.True(t, f.manager.IsOpen(step))
	assert.Equal(t, models.StatusStarting, f.store.Get(step).RunStatus)

	s.send(t, "init", `{"message":"Found 4 documents"}`)
	s.send(t, "error_processing_document", `{"error":"doc 2 unreadable"}`)
	s.send(t, "heartbeat", `{}`)
	require.Eventually(t, func() bool {
		msg := f.store.Get(step).Message
		return msg != nil && *msg == "doc 2 unreadable"
	}, wait, tick)
	assert.True(t, f.manager.IsOpen(step))
	assert.Zero(t, f.stats.count(step))
}

func TestManager_UnknownEventsLeaveStoreAlone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Open(project, step, models.ModeAll))
	s := f.opener.next(t)

	s.send(t, "keepalive", "ping")
	s.send(t, "message", "plain text, not json")
	s.send(t, "progress", `{"status":"processing_doc_start","processed":1,"total":4}`)
	require.Eventually(t, func() bool { return f.store.Get(step).Processed == 1 }, wait, tick)

	got := f.store.Get(step)
	assert.Nil(t, got.Error)
	assert.Equal(t, models.StatusProcessingDocStart, got.RunStatus)
	assert.True(t, f.manager.IsOpen(step))
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Open(project, step, models.ModeAll))
	f.opener.next(t)

	assert.True(t, f.manager.Close(step, stream.ReasonManual))
	first := f.store.Get(step)
	assert.False(t, f.manager.Close(step, stream.ReasonManual))
	assert.False(t, f.manager.Close("never-opened", stream.ReasonFailed))
	f.manager.Wait()

	assert.Equal(t, first, f.store.Get(step))
	assert.Equal(t, models.StatusIdle, first.RunStatus)
	assert.Equal(t, 1, f.stats.count(step))
	assert.Empty(t, f.notes.All(), "manual close is silent")
}

func TestManager_OpenGuards(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.manager.Open("", step, models.ModeAll), stream.ErrNoProject)
	assert.ErrorIs(t, f.manager.Open(project, step, "everything"), stream.ErrInvalidMode)

	require.NoError(t, f.manager.Open(project, step, models.ModePending))
	f.opener.next(t)
	assert.ErrorIs(t, f.manager.Open(project, step, models.ModePending), stream.ErrAlreadyOpen)
	assert.Equal(t, 1, f.manager.OpenCount(step))
	assert.Equal(t, models.ModePending, f.modes.modes[step])

	mode, ok := f.manager.LastMode(step)
	assert.True(t, ok)
	assert.Equal(t, models.ModePending, mode)
}

func TestManager_RestartReplacesStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Open(project, step, models.ModeAll))
	first := f.opener.next(t)
	first.send(t, "progress", `{"processed":4,"total":10}`)
	require.Eventually(t, func() bool { return f.store.Get(step).Processed == 4 }, wait, tick)

	require.NoError(t, f.manager.Restart(project, step, models.ModeNew))
	second := f.opener.next(t)
	assert.Equal(t, models.ModeNew, second.mode)
	assert.Equal(t, 2, f.manager.OpenCount(step))
	assert.True(t, f.manager.IsOpen(step))

	got := f.store.Get(step)
	assert.Equal(t, models.StatusStarting, got.RunStatus)
	assert.Zero(t, got.Processed)

	// The torn-down stream is closed from our side.
	require.Eventually(t, func() bool {
		_, err := io.WriteString(first.w, ": ping\n")
		return err != nil
	}, wait, tick)
	assert.Equal(t, models.StatusStarting, f.store.Get(step).RunStatus)

	f.store.SetStepRunStatus(step, models.StatusPaused)
	assert.ErrorIs(t, f.manager.Restart(project, step, models.ModeAll), stream.ErrStepPaused)
}

func TestManager_SweepFollowsExternalStatusChanges(t *testing.T) {
	f := newFixture(t)
	f.manager.Start()
	f.manager.Reconcile(project, []models.CustomStep{{ID: step, LastReprocessType: models.Ptr("failed")}})
	assert.False(t, f.manager.IsOpen(step))

	f.store.SetStepRunStatus(step, models.StatusStarting)
	s := f.opener.next(t)
	assert.Equal(t, models.ModeFailed, s.mode)
	require.Eventually(t, func() bool { return f.manager.IsOpen(step) }, wait, tick)

	f.store.SetStepRunStatus(step, models.StatusPausing)
	f.waitClosed(t, step)
	f.manager.Wait()
	assert.Equal(t, models.StatusPausing, f.store.Get(step).RunStatus)
	assert.Equal(t, 1, f.stats.count(step))
	assert.Equal(t, 1, f.manager.OpenCount(step))
}

func TestManager_ReconcileClosesUnlistedSteps(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Open(project, "old", models.ModeAll))
	f.opener.next(t)
	f.store.StartProcessing("other", 3)

	f.manager.Reconcile(project, []models.CustomStep{{ID: "other"}})
	other := f.opener.next(t)
	assert.Equal(t, "other", other.stepID)
	assert.False(t, f.manager.IsOpen("old"))
	assert.True(t, f.manager.IsOpen("other"))
	assert.Equal(t, models.StatusIdle, f.store.Get("old").RunStatus)
}

func TestManager_CloseAllLeavesStore(t *testing.T) {
	f := newFixture(t)
	f.manager.Start()
	require.NoError(t, f.manager.Open(project, step, models.ModeAll))
	f.opener.next(t)

	f.manager.CloseAll()
	assert.False(t, f.manager.IsOpen(step))
	assert.Equal(t, models.StatusStarting, f.store.Get(step).RunStatus)
	assert.Zero(t, f.stats.count(step))
	assert.ErrorIs(t, f.manager.Open(project, "b", models.ModeAll), stream.ErrClosed)
}

// A stream is never opened while the step is paused or pausing.
func TestManager_NeverOpensWhilePaused(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := progress.New()
		opener := newPipeOpener()
		m := stream.New(store, opener, stream.WithNotifier(&notify.Recorder{}))
		defer m.CloseAll()

		n := rapid.IntRange(1, 12).Draw(rt, "ops")
		for i := 0; i < n; i++ {
			status := rapid.SampledFrom(models.AllRunStatuses).Draw(rt, "status")
			if rapid.Bool().Draw(rt, "closeFirst") {
				m.Close(step, stream.ReasonManual)
			}
			store.SetStepRunStatus(step, status)
			before := m.OpenCount(step)
			err := m.Open(project, step, models.ModeAll)
			if status.Paused() {
				if !errors.Is(err, stream.ErrStepPaused) {
					rt.Fatalf("open while %s returned %v", status, err)
				}
				if m.OpenCount(step) != before {
					rt.Fatalf("open count moved while %s", status)
				}
			}
		}
	})
}
