// This file defines the run state of a processing step's reprocessing job
// and the progress payload the backend pushes over the event stream.

package models

import (
	"strings"

	json "github.com/goccy/go-json"
)

// RunStatus is the lifecycle phase of a step's reprocessing job.
type RunStatus string

const (
	StatusIdle                 RunStatus = "idle"
	StatusStarting             RunStatus = "starting"
	StatusFetchingDocs         RunStatus = "fetching_docs"
	StatusProcessingDocStart   RunStatus = "processing_doc_start"
	StatusProcessingDocSuccess RunStatus = "processing_doc_success"
	StatusProcessingDocFailed  RunStatus = "processing_doc_failed"
	StatusPausing              RunStatus = "pausing"
	StatusPaused               RunStatus = "paused"
	StatusCompleted            RunStatus = "completed"
	StatusCompletedWithErrors  RunStatus = "completed_with_errors"
	StatusFailedPermanently    RunStatus = "failed_permanently"
	StatusError                RunStatus = "error"
)

// AllRunStatuses lists every known status, active ones first.
var AllRunStatuses = []RunStatus{
	StatusStarting,
	StatusFetchingDocs,
	StatusProcessingDocStart,
	StatusProcessingDocSuccess,
	StatusProcessingDocFailed,
	StatusIdle,
	StatusPausing,
	StatusPaused,
	StatusCompleted,
	StatusCompletedWithErrors,
	StatusFailedPermanently,
	StatusError,
}

// Active reports whether a stream should be open for a step in this status.
func (s RunStatus) Active() bool {
	switch s {
	case StatusStarting, StatusFetchingDocs, StatusProcessingDocStart,
		StatusProcessingDocSuccess, StatusProcessingDocFailed:
		return true
	}
	return false
}

// Terminal reports whether no stream may stay open for a step in this status.
// It covers idle, the paused pair and the final statuses.
func (s RunStatus) Terminal() bool {
	return s.Known() && !s.Active()
}

// Paused is true for paused and pausing. No stream may be opened in either.
func (s RunStatus) Paused() bool {
	return s == StatusPaused || s == StatusPausing
}

// Known reports whether s is one of the statuses above.
func (s RunStatus) Known() bool {
	for _, k := range AllRunStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// ParseRunStatus maps a status string reported by the backend onto a RunStatus.
// The backend also uses a few spellings of its own ("running",
// "complete_with_errors", "complete") which are folded into ours.
func ParseRunStatus(raw string) (RunStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "":
		return "", false
	case "running":
		return StatusProcessingDocStart, true
	case "complete":
		return StatusCompleted, true
	case "complete_with_errors":
		return StatusCompletedWithErrors, true
	case "completed_empty":
		return StatusIdle, true
	}
	rs := RunStatus(s)
	if !rs.Known() {
		return "", false
	}
	return rs, true
}

// ReprocessMode selects which subset of a project's documents a run covers.
type ReprocessMode string

const (
	ModeAll     ReprocessMode = "all"
	ModeNew     ReprocessMode = "new"
	ModeFailed  ReprocessMode = "failed"
	ModePending ReprocessMode = "pending"
)

// ParseReprocessMode validates a mode string.
func ParseReprocessMode(raw string) (ReprocessMode, bool) {
	switch m := ReprocessMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeAll, ModeNew, ModeFailed, ModePending:
		return m, true
	}
	return "", false
}

// JobProgress is the client-side view of one step's reprocessing job.
// IsRunning is always derived from RunStatus.
type JobProgress struct {
	StepID          string    `json:"stepId"`
	RunStatus       RunStatus `json:"runStatus"`
	Processed       int       `json:"processed"`
	Failed          int       `json:"failed"`
	Total           int       `json:"total"`
	Percent         int       `json:"percent"`
	CurrentDocIndex *int      `json:"currentDocIndex,omitempty"`
	CurrentDocID    *string   `json:"currentDocId,omitempty"`
	Message         *string   `json:"message,omitempty"`
	Error           *string   `json:"error,omitempty"`
	IsRunning       bool      `json:"isRunning"`
}

// IdleProgress returns the default shape of a step that has never been seen.
func IdleProgress(stepID string) JobProgress {
	return JobProgress{StepID: stepID, RunStatus: StatusIdle}
}

// ProgressPayload is a partial progress update. Nil fields mean "not reported".
type ProgressPayload struct {
	Status          string   `json:"status,omitempty"`
	Total           *int     `json:"total,omitempty"`
	Processed       *int     `json:"processed,omitempty"`
	Failed          *int     `json:"failed,omitempty"`
	Percent         *float64 `json:"percent,omitempty"`
	CurrentDocID    *string  `json:"currentDocId,omitempty"`
	CurrentDocIndex *int     `json:"currentDocIndex,omitempty"`
	Message         *string  `json:"message,omitempty"`
	Error           *string  `json:"error,omitempty"`
}

// UnmarshalJSON accepts both the camelCase aliases and the snake_case field
// names the backend emits, plus the counters of the final_status event.
func (p *ProgressPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status             string   `json:"status"`
		Total              *int     `json:"total"`
		TotalInScope       *int     `json:"total_documents_in_scope"`
		Processed          *int     `json:"processed"`
		ProcessedThisRun   *int     `json:"processed_this_run"`
		Failed             *int     `json:"failed"`
		FailedThisRun      *int     `json:"failed_this_run"`
		Percent            *float64 `json:"percent"`
		CurrentDocID       *string  `json:"currentDocId"`
		CurrentDocIDSnake  *string  `json:"current_doc_id"`
		CurrentDocIdx      *int     `json:"currentDocIndex"`
		CurrentDocIdxSnake *int     `json:"current_doc_index"`
		Message            *string  `json:"message"`
		Error              *string  `json:"error"`
		Details            *string  `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ProgressPayload{
		Status:          raw.Status,
		Total:           firstInt(raw.Total, raw.TotalInScope),
		Processed:       firstInt(raw.Processed, raw.ProcessedThisRun),
		Failed:          firstInt(raw.Failed, raw.FailedThisRun),
		Percent:         raw.Percent,
		CurrentDocID:    firstString(raw.CurrentDocID, raw.CurrentDocIDSnake),
		CurrentDocIndex: firstInt(raw.CurrentDocIdx, raw.CurrentDocIdxSnake),
		Message:         raw.Message,
		Error:           firstString(raw.Error, raw.Details),
	}
	return nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// Ptr returns a pointer to v. Handy for building payloads.
func Ptr[T any](v T) *T {
	return &v
}
