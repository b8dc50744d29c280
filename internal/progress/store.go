// Package progress holds the run state of every processing step the client
// knows about. It is the single source of truth read by the gateway, the
// CLI and the stream manager; it is written only through the mutators below.
package progress

import (
	"math"
	"sort"
	"sync"

	"github.com/policypulse/policypulse-go/internal/models"
)

const startMessage = "Processing initiated..."

// Observer is called after every mutation with the new state of the step.
// Observers run synchronously on the mutating goroutine and must not call
// back into the Store's mutators.
type Observer func(models.JobProgress)

// Store is a keyed map of JobProgress entries, one per step.
type Store struct {
	mu      sync.RWMutex
	entries map[string]models.JobProgress

	// deliver serializes mutate+notify so observers see updates in order.
	deliver   sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entries:   make(map[string]models.JobProgress),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Get returns a copy of the step's state, or the idle shape if unknown.
func (s *Store) Get(stepID string) models.JobProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.entries[stepID]; ok {
		return p
	}
	return models.IdleProgress(stepID)
}

// Tracked reports whether the store holds an entry for the step.
func (s *Store) Tracked(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[stepID]
	return ok
}

// Snapshot returns every entry sorted by step id.
func (s *Store) Snapshot() []models.JobProgress {
	s.mu.RLock()
	out := make([]models.JobProgress, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

// UpdateProgress merges a partial update into the step's entry, creating it if
// needed. Absent fields keep their previous values.
func (s *Store) UpdateProgress(stepID string, p models.ProgressPayload) {
	s.mutate(stepID, func(cur models.JobProgress) (models.JobProgress, bool) {
		next := cur
		if status, ok := models.ParseRunStatus(p.Status); ok {
			next.RunStatus = status
		}
		if p.Processed != nil {
			next.Processed = nonNegative(*p.Processed)
		}
		if p.Failed != nil {
			next.Failed = nonNegative(*p.Failed)
		}
		if p.Total != nil {
			next.Total = nonNegative(*p.Total)
		}
		if p.Percent != nil {
			next.Percent = roundPercent(*p.Percent)
		}
		if p.CurrentDocIndex != nil {
			next.CurrentDocIndex = p.CurrentDocIndex
		}
		if p.CurrentDocID != nil {
			next.CurrentDocID = p.CurrentDocID
		}
		if p.Message != nil {
			next.Message = p.Message
		}
		if p.Error != nil {
			next.Error = p.Error
		}
		return next, true
	})
}

// SetStepRunStatus overrides the run status. Message and error are cleared
// when entering an active or paused status; the next event reports them again.
func (s *Store) SetStepRunStatus(stepID string, status models.RunStatus) {
	s.mutate(stepID, func(cur models.JobProgress) (models.JobProgress, bool) {
		next := cur
		next.RunStatus = status
		if status.Active() || status == models.StatusPaused {
			next.Message = nil
			next.Error = nil
		}
		return next, true
	})
}

// StartProcessing resets the step to a fresh "starting" state.
func (s *Store) StartProcessing(stepID string, total int) {
	s.mutate(stepID, func(models.JobProgress) (models.JobProgress, bool) {
		next := models.IdleProgress(stepID)
		next.RunStatus = models.StatusStarting
		next.Total = nonNegative(total)
		msg := startMessage
		next.Message = &msg
		return next, true
	})
}

// FinishProcessing moves the step to a final status at 100%. Nil message or
// errMsg keep the current value.
func (s *Store) FinishProcessing(stepID string, final models.RunStatus, message, errMsg *string) {
	s.mutate(stepID, func(cur models.JobProgress) (models.JobProgress, bool) {
		next := cur
		next.RunStatus = final
		next.Percent = 100
		if message != nil {
			next.Message = message
		}
		if errMsg != nil {
			next.Error = errMsg
		}
		return next, true
	})
}

// SetError moves the step to the error status, keeping the last percent.
func (s *Store) SetError(stepID string, errMsg string) {
	s.mutate(stepID, func(cur models.JobProgress) (models.JobProgress, bool) {
		next := cur
		next.RunStatus = models.StatusError
		next.Error = &errMsg
		return next, true
	})
}

// ResetProgress forgets the step entirely.
func (s *Store) ResetProgress(stepID string) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	_, existed := s.entries[stepID]
	delete(s.entries, stepID)
	observers := s.observerList()
	s.mu.Unlock()

	if existed {
		notify(observers, models.IdleProgress(stepID))
	}
}

// mutate applies fn to the current entry (or the idle default), recomputes
// IsRunning and notifies observers.
func (s *Store) mutate(stepID string, fn func(models.JobProgress) (models.JobProgress, bool)) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	cur, ok := s.entries[stepID]
	if !ok {
		cur = models.IdleProgress(stepID)
	}
	next, changed := fn(cur)
	next.StepID = stepID
	next.IsRunning = next.RunStatus.Active()
	if !changed {
		s.mu.Unlock()
		return
	}
	s.entries[stepID] = next
	observers := s.observerList()
	s.mu.Unlock()

	notify(observers, next)
}

func (s *Store) observerList() []Observer {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func notify(observers []Observer, p models.JobProgress) {
	for _, fn := range observers {
		fn(p)
	}
}

func roundPercent(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	r := int(math.Round(v))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
