// Package notify carries user-visible notifications about processing runs.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one toast-style message.
type Notification struct {
	Level   Level  `json:"level"`
	StepID  string `json:"stepId,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Sink receives notifications. Implementations must not block.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Log writes notifications to the global zerolog logger.
type Log struct{}

func (Log) Notify(n Notification) {
	ev := log.Info()
	switch n.Level {
	case LevelWarning:
		ev = log.Warn()
	case LevelError:
		ev = log.Error()
	}
	ev.Str("step_id", n.StepID).Str("level", string(n.Level)).Str("detail", n.Message).Msg(n.Title)
}

// Multi fans a notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// Recorder keeps every notification it receives. Useful in tests and for the
// CLI, which prints them after a run.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.all = append(r.all, n)
	r.mu.Unlock()
}

// All returns a copy of the received notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}
