// Package stream keeps exactly one reprocessing event stream open for every
// step whose run status is active, and none for any other step.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/notify"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/sse"
)

var (
	ErrStepPaused  = errors.New("stream: step is paused or pausing")
	ErrAlreadyOpen = errors.New("stream: a stream is already open for this step")
	ErrNoProject   = errors.New("stream: no project selected")
	ErrInvalidMode = errors.New("stream: invalid reprocess mode")
	ErrClosed      = errors.New("stream: manager is closed")
)

// Opener starts a reprocessing run and returns its event stream.
type Opener interface {
	OpenStream(ctx context.Context, projectID, stepID string, mode models.ReprocessMode) (io.ReadCloser, error)
}

// StatsRefresher re-reads a step's server-side statistics after a stream closes.
type StatsRefresher interface {
	RefreshStats(ctx context.Context, projectID, stepID string) error
}

// ModeStore persists the last reprocess mode of each step. LastMode returns
// an empty mode when none was stored; the stored value is not validated.
type ModeStore interface {
	LastMode(stepID string) (models.ReprocessMode, error)
	SetLastMode(stepID string, mode models.ReprocessMode) error
}

// Reason says why a stream was closed. It picks the status of a step that is
// still active at close time.
type Reason string

const (
	ReasonManual    Reason = "manual"
	ReasonPaused    Reason = "paused"
	ReasonCompleted Reason = "completed"
	ReasonFailed    Reason = "failed"
)

type conn struct {
	projectID string
	mode      models.ReprocessMode
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager owns the registry of open streams.
type Manager struct {
	store          *progress.Store
	opener         Opener
	stats          StatsRefresher
	modeStore      ModeStore
	notifier       notify.Sink
	refreshTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	gen      uint64
	conns    map[string]*conn
	projects map[string]string
	names    map[string]string
	modes    map[string]models.ReprocessMode
	hints    map[string]models.ReprocessMode
	opened   map[string]int
	wg       sync.WaitGroup

	pendMu  sync.Mutex
	pending map[string]struct{}
	signal  chan struct{}

	startOnce   sync.Once
	stopOnce    sync.Once
	stop        chan struct{}
	sweepDone   chan struct{}
	unsubscribe func()
}

// Option configures a Manager.
type Option func(*Manager)

func WithStats(s StatsRefresher) Option { return func(m *Manager) { m.stats = s } }

func WithModeStore(ms ModeStore) Option { return func(m *Manager) { m.modeStore = ms } }

func WithNotifier(n notify.Sink) Option { return func(m *Manager) { m.notifier = n } }

// WithRefreshTimeout bounds each post-close stats refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// New creates a Manager. Call Start to enable the reconciliation sweep.
func New(store *progress.Store, opener Opener, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		opener:         opener,
		notifier:       notify.Log{},
		refreshTimeout: 15 * time.Second,
		conns:          make(map[string]*conn),
		projects:       make(map[string]string),
		names:          make(map[string]string),
		modes:          make(map[string]models.ReprocessMode),
		hints:          make(map[string]models.ReprocessMode),
		opened:         make(map[string]int),
		pending:        make(map[string]struct{}),
		signal:         make(chan struct{}, 1),
		stop:           make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the store and sweeps every step whose entry changes.
// This is what picks up status changes made outside the manager.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.unsubscribe = m.store.Subscribe(m.observe)
		go m.sweepLoop()
	})
}

// Open starts a stream for the step. A step that is not already active is
// reset to "starting" first.
func (m *Manager) Open(projectID, stepID string, mode models.ReprocessMode) error {
	if err := validate(projectID, mode); err != nil {
		return err
	}
	m.mu.Lock()
	err := m.openChecked(projectID, stepID, mode)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.persistMode(stepID, mode)
	return nil
}

// Restart tears down any stream of the step and opens a fresh run. It is the
// entry point of an explicit user trigger.
func (m *Manager) Restart(projectID, stepID string, mode models.ReprocessMode) error {
	if err := validate(projectID, mode); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.store.Get(stepID).RunStatus.Paused() {
		m.mu.Unlock()
		return ErrStepPaused
	}
	m.closeLocked(stepID, ReasonManual)
	m.store.StartProcessing(stepID, 0)
	m.openLocked(projectID, stepID, mode)
	m.mu.Unlock()

	m.persistMode(stepID, mode)
	return nil
}

// Close tears down the step's stream. It reports whether a stream was open;
// closing an absent stream does nothing.
func (m *Manager) Close(stepID string, reason Reason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(stepID, reason)
}

// Reconcile records the steps of the selected project, closes streams of
// steps that are no longer listed and sweeps every listed step.
func (m *Manager) Reconcile(projectID string, steps []models.CustomStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	listed := make(map[string]bool, len(steps))
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		listed[s.ID] = true
		ids = append(ids, s.ID)
		m.projects[s.ID] = projectID
		if s.Name != "" {
			m.names[s.ID] = s.Name
		}
		if s.LastReprocessType != nil {
			if mode, ok := models.ParseReprocessMode(*s.LastReprocessType); ok {
				m.hints[s.ID] = mode
			}
		}
	}
	for id := range m.conns {
		if !listed[id] {
			m.closeLocked(id, ReasonManual)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.sweepLocked(id)
	}
}

// CloseAll stops the sweep, cancels every stream and waits for their
// goroutines. The store is left as is: the backend run continues without us.
func (m *Manager) CloseAll() {
	m.stopOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
			close(m.stop)
			<-m.sweepDone
		}
	})

	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*conn)
	for _, c := range conns {
		c.cancel()
	}
	m.mu.Unlock()

	for _, c := range conns {
		<-c.done
	}
	m.wg.Wait()
}

// IsOpen reports whether the step has a live stream.
func (m *Manager) IsOpen(stepID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[stepID]
	return ok
}

// OpenCount is the number of streams ever opened for the step.
func (m *Manager) OpenCount(stepID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[stepID]
}

// LastMode returns the mode the step last ran with: this session's, the
// persisted one, or the one the backend reported for the step. The value is
// returned unvalidated.
func (m *Manager) LastMode(stepID string) (models.ReprocessMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastModeLocked(stepID)
}

// Wait blocks until every stream goroutine and pending refresh has finished.
// Streams still open keep it blocked.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func validate(projectID string, mode models.ReprocessMode) error {
	if projectID == "" {
		return ErrNoProject
	}
	if _, ok := models.ParseReprocessMode(string(mode)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return nil
}

func (m *Manager) openChecked(projectID, stepID string, mode models.ReprocessMode) error {
	if m.closed {
		return ErrClosed
	}
	cur := m.store.Get(stepID)
	if cur.RunStatus.Paused() {
		log.Warn().Str("step_id", stepID).Str("status", string(cur.RunStatus)).Msg("refusing to open stream for paused step")
		return ErrStepPaused
	}
	if _, ok := m.conns[stepID]; ok {
		return ErrAlreadyOpen
	}
	if !cur.RunStatus.Active() {
		m.store.StartProcessing(stepID, 0)
	}
	m.openLocked(projectID, stepID, mode)
	return nil
}

func (m *Manager) openLocked(projectID, stepID string, mode models.ReprocessMode) {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		projectID: projectID,
		mode:      mode,
		gen:       m.gen,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.conns[stepID] = c
	m.projects[stepID] = projectID
	m.modes[stepID] = mode
	m.opened[stepID]++

	log.Info().Str("project_id", projectID).Str("step_id", stepID).Str("mode", string(mode)).Uint64("gen", c.gen).Msg("opening event stream")
	m.wg.Add(1)
	go m.run(ctx, stepID, c)
}

// closeLocked removes and cancels the step's stream. A step still active is
// moved to the status implied by reason. Each effective close schedules one
// stats refresh.
func (m *Manager) closeLocked(stepID string, reason Reason) bool {
	c, ok := m.conns[stepID]
	if !ok {
		return false
	}
	delete(m.conns, stepID)
	c.cancel()

	if m.store.Get(stepID).RunStatus.Active() {
		m.applyReasonLocked(stepID, reason)
	}
	final := m.store.Get(stepID)
	log.Info().
		Str("step_id", stepID).
		Str("reason", string(reason)).
		Str("status", string(final.RunStatus)).
		Uint64("gen", c.gen).
		Msg("closed event stream")

	m.notifyClosed(stepID, final)
	m.refreshAsync(c.projectID, stepID)
	return true
}

func (m *Manager) applyReasonLocked(stepID string, reason Reason) {
	switch reason {
	case ReasonPaused:
		m.store.UpdateProgress(stepID, models.ProgressPayload{Status: string(models.StatusPaused)})
	case ReasonCompleted:
		m.store.FinishProcessing(stepID, completionStatus("", m.store.Get(stepID)), nil, nil)
	case ReasonFailed:
		m.store.UpdateProgress(stepID, models.ProgressPayload{Status: string(models.StatusFailedPermanently)})
	default:
		m.store.UpdateProgress(stepID, models.ProgressPayload{Status: string(models.StatusIdle)})
	}
}

func (m *Manager) refreshAsync(projectID, stepID string) {
	if m.stats == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
		defer cancel()
		if err := m.stats.RefreshStats(ctx, projectID, stepID); err != nil {
			log.Warn().Err(err).Str("project_id", projectID).Str("step_id", stepID).Msg("stats refresh failed")
		}
	}()
}

func (m *Manager) notifyClosed(stepID string, p models.JobProgress) {
	if m.notifier == nil {
		return
	}
	name := m.names[stepID]
	if name == "" {
		name = stepID
	}
	n := notify.Notification{StepID: stepID}
	switch p.RunStatus {
	case models.StatusPaused, models.StatusPausing:
		n.Level = notify.LevelInfo
		n.Title = fmt.Sprintf("Processing for %q is now paused", name)
	case models.StatusCompleted:
		n.Level = notify.LevelSuccess
		n.Title = fmt.Sprintf("Processing complete for %q", name)
		n.Message = fmt.Sprintf("Processed: %d, Failed: %d.", p.Processed, p.Failed)
	case models.StatusCompletedWithErrors:
		n.Level = notify.LevelWarning
		n.Title = fmt.Sprintf("Processing complete for %q with errors", name)
		n.Message = fmt.Sprintf("Processed: %d, Failed: %d.", p.Processed, p.Failed)
	case models.StatusFailedPermanently, models.StatusError:
		n.Level = notify.LevelError
		n.Title = fmt.Sprintf("Processing failed for %q", name)
		if p.Error != nil {
			n.Message = *p.Error
		}
	default:
		return
	}
	m.notifier.Notify(n)
}

func (m *Manager) persistMode(stepID string, mode models.ReprocessMode) {
	if m.modeStore == nil {
		return
	}
	if err := m.modeStore.SetLastMode(stepID, mode); err != nil {
		log.Warn().Err(err).Str("step_id", stepID).Msg("could not persist reprocess mode")
	}
}

func (m *Manager) lastModeLocked(stepID string) (models.ReprocessMode, bool) {
	if mode, ok := m.modes[stepID]; ok {
		return mode, true
	}
	if m.modeStore != nil {
		mode, err := m.modeStore.LastMode(stepID)
		if err != nil {
			log.Warn().Err(err).Str("step_id", stepID).Msg("could not read stored reprocess mode")
		} else if mode != "" {
			return mode, true
		}
	}
	if mode, ok := m.hints[stepID]; ok {
		return mode, true
	}
	return "", false
}

// run reads one stream until it ends or the manager closes it.
func (m *Manager) run(ctx context.Context, stepID string, c *conn) {
	defer m.wg.Done()
	defer close(c.done)

	body, err := m.opener.OpenStream(ctx, c.projectID, stepID, c.mode)
	if err != nil {
		m.lost(stepID, c, fmt.Sprintf("Could not open progress stream: %v", err))
		return
	}
	defer body.Close()

	r := sse.NewReader(body)
	for {
		msg, err := r.Next()
		if err != nil {
			text := "Connection lost"
			if !errors.Is(err, io.EOF) {
				text = fmt.Sprintf("Connection lost: %v", err)
			}
			m.lost(stepID, c, text)
			return
		}
		if closed := m.handle(stepID, c, sse.Decode(msg)); closed {
			return
		}
	}
}

// lost handles a transport failure. A stream the manager already closed is
// left alone.
func (m *Manager) lost(stepID string, c *conn, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[stepID] != c {
		return
	}
	log.Warn().Str("step_id", stepID).Uint64("gen", c.gen).Msg(text)
	if m.store.Get(stepID).RunStatus.Active() {
		m.store.UpdateProgress(stepID, models.ProgressPayload{
			Status: string(models.StatusFailedPermanently),
			Error:  &text,
		})
	}
	m.closeLocked(stepID, ReasonFailed)
}

// handle applies one event to the store. It reports whether the stream is
// closed afterwards.
func (m *Manager) handle(stepID string, c *conn, ev sse.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[stepID] != c {
		return true
	}
	logger := log.With().Str("step_id", stepID).Str("event", ev.Name()).Logger()

	if _, unknown := ev.(sse.UnknownEvent); unknown {
		logger.Debug().Msg("ignoring unknown stream event")
		return false
	}

	if err := ev.DecodeErr(); err != nil {
		logger.Warn().Err(err).Msg("could not decode stream event")
		text := fmt.Sprintf("Error parsing %s update.", ev.Name())
		if !ev.Terminal() {
			m.store.UpdateProgress(stepID, models.ProgressPayload{Error: &text})
			return false
		}
		m.store.UpdateProgress(stepID, models.ProgressPayload{
			Status: string(models.StatusFailedPermanently),
			Error:  &text,
		})
		m.closeLocked(stepID, ReasonFailed)
		return true
	}

	p := ev.Progress()
	switch ev.(type) {
	case sse.ProgressEvent:
		m.store.UpdateProgress(stepID, p)
		cur := m.store.Get(stepID)
		if cur.RunStatus.Active() {
			return false
		}
		if cur.RunStatus == models.StatusCompleted || cur.RunStatus == models.StatusCompletedWithErrors {
			m.store.FinishProcessing(stepID, completionStatus(cur.RunStatus, cur), nil, nil)
		}
		m.closeLocked(stepID, reasonFor(cur.RunStatus))
		return true

	case sse.InitEvent, sse.DocumentErrorEvent:
		if text := infoText(p); text != "" {
			m.store.UpdateProgress(stepID, models.ProgressPayload{Message: &text})
		}
		logger.Debug().Msg("stream info")
		return false

	case sse.PausedEvent:
		p.Status = string(models.StatusPaused)
		m.store.UpdateProgress(stepID, p)
		m.closeLocked(stepID, ReasonPaused)
		return true

	case sse.CompleteEvent, sse.EndStreamEvent:
		reported, _ := models.ParseRunStatus(p.Status)
		p.Status = ""
		m.store.UpdateProgress(stepID, p)
		m.store.FinishProcessing(stepID, completionStatus(reported, m.store.Get(stepID)), nil, nil)
		m.closeLocked(stepID, ReasonCompleted)
		return true

	case sse.ProcessingErrorEvent, sse.StreamErrorEvent:
		text := errorText(p)
		p.Status = string(models.StatusFailedPermanently)
		p.Error = &text
		m.store.UpdateProgress(stepID, p)
		m.closeLocked(stepID, ReasonFailed)
		return true

	case sse.FinalStatusEvent:
		// After a completed run the backend reports "idle" here; a status we
		// already settled on wins.
		if !m.store.Get(stepID).RunStatus.Active() {
			p.Status = ""
		}
		m.store.UpdateProgress(stepID, p)
		m.closeLocked(stepID, reasonFor(m.store.Get(stepID).RunStatus))
		return true
	}
	return false
}

func (m *Manager) observe(p models.JobProgress) {
	m.pendMu.Lock()
	m.pending[p.StepID] = struct{}{}
	m.pendMu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	for {
		select {
		case <-m.stop:
			return
		case <-m.signal:
		}

		m.pendMu.Lock()
		ids := make([]string, 0, len(m.pending))
		for id := range m.pending {
			ids = append(ids, id)
		}
		clear(m.pending)
		m.pendMu.Unlock()
		sort.Strings(ids)

		m.mu.Lock()
		if !m.closed {
			for _, id := range ids {
				m.sweepLocked(id)
			}
		}
		m.mu.Unlock()
	}
}

// sweepLocked makes the stream registry agree with the step's run status.
func (m *Manager) sweepLocked(stepID string) {
	cur := m.store.Get(stepID)
	_, open := m.conns[stepID]
	switch {
	case cur.RunStatus.Active() && !open:
		projectID := m.projects[stepID]
		if projectID == "" {
			log.Debug().Str("step_id", stepID).Msg("active step has no known project; not opening stream")
			return
		}
		m.openLocked(projectID, stepID, m.sweepMode(stepID))
	case !cur.RunStatus.Active() && open:
		m.closeLocked(stepID, reasonFor(cur.RunStatus))
	}
}

func (m *Manager) sweepMode(stepID string) models.ReprocessMode {
	raw, ok := m.lastModeLocked(stepID)
	if !ok {
		return models.ModeAll
	}
	mode, valid := models.ParseReprocessMode(string(raw))
	if !valid {
		log.Warn().Str("step_id", stepID).Str("mode", string(raw)).Msg("stored reprocess mode is invalid; using all")
		return models.ModeAll
	}
	return mode
}

func reasonFor(s models.RunStatus) Reason {
	switch s {
	case models.StatusPaused, models.StatusPausing:
		return ReasonPaused
	case models.StatusFailedPermanently, models.StatusError:
		return ReasonFailed
	case models.StatusIdle:
		return ReasonManual
	}
	return ReasonCompleted
}

// completionStatus picks completed or completed_with_errors. A reported
// completion status wins; otherwise failures decide.
func completionStatus(reported models.RunStatus, cur models.JobProgress) models.RunStatus {
	if reported == models.StatusCompleted || reported == models.StatusCompletedWithErrors {
		return reported
	}
	if cur.Failed > 0 {
		return models.StatusCompletedWithErrors
	}
	return models.StatusCompleted
}

func infoText(p models.ProgressPayload) string {
	if p.Message != nil && *p.Message != "" {
		return *p.Message
	}
	if p.Error != nil {
		return *p.Error
	}
	return ""
}

func errorText(p models.ProgressPayload) string {
	if p.Error != nil && *p.Error != "" {
		if p.Message != nil && *p.Message != "" && *p.Message != *p.Error {
			return *p.Message + ": " + *p.Error
		}
		return *p.Error
	}
	if p.Message != nil && *p.Message != "" {
		return *p.Message
	}
	return "An unknown processing error occurred."
}
