package sse

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/policypulse/policypulse-go/internal/models"
)

// ErrUnparseable wraps every payload decode failure.
var ErrUnparseable = errors.New("sse: unparseable event payload")

// Event names sent by the reprocess endpoint.
const (
	NameProgress        = "progress"
	NamePaused          = "processing_paused"
	NameComplete        = "processing_complete"
	NameProcessingError = "processing_error"
	NameFinalStatus     = "final_status"
	NameInit            = "init"
	NameError           = "error"
	NameEndStream       = "end_stream"
	NameDocumentError   = "error_processing_document"
)

// Event is one decoded stream event. The concrete types below are the only
// implementations.
type Event interface {
	// Name is the SSE event name.
	Name() string
	// Terminal reports whether the stream must be closed after this event,
	// whether or not the payload decoded.
	Terminal() bool
	// DecodeErr is non-nil when the payload could not be decoded.
	DecodeErr() error
	// Progress is the decoded payload, zero when decoding failed.
	Progress() models.ProgressPayload
}

type base struct {
	Payload models.ProgressPayload
	Err     error
}

func (b base) DecodeErr() error                 { return b.Err }
func (b base) Progress() models.ProgressPayload { return b.Payload }

// ProgressEvent carries counters and status while a run is underway.
type ProgressEvent struct{ base }

// PausedEvent confirms the backend stopped at a document boundary.
type PausedEvent struct{ base }

// CompleteEvent reports the final counters of a finished run.
type CompleteEvent struct{ base }

// ProcessingErrorEvent reports that the run aborted.
type ProcessingErrorEvent struct{ base }

// FinalStatusEvent is the last event before the backend closes the stream.
type FinalStatusEvent struct{ base }

// InitEvent is sent once when the backend accepts the stream.
type InitEvent struct{ base }

// StreamErrorEvent is the backend's generic error event.
type StreamErrorEvent struct{ base }

// EndStreamEvent is sent when there was nothing to process.
type EndStreamEvent struct{ base }

// DocumentErrorEvent reports one document failing; the run continues.
type DocumentErrorEvent struct{ base }

// UnknownEvent is any event name not listed above.
type UnknownEvent struct {
	base
	Event string
	Data  string
}

func (ProgressEvent) Name() string        { return NameProgress }
func (PausedEvent) Name() string          { return NamePaused }
func (CompleteEvent) Name() string        { return NameComplete }
func (ProcessingErrorEvent) Name() string { return NameProcessingError }
func (FinalStatusEvent) Name() string     { return NameFinalStatus }
func (InitEvent) Name() string            { return NameInit }
func (StreamErrorEvent) Name() string     { return NameError }
func (EndStreamEvent) Name() string       { return NameEndStream }
func (DocumentErrorEvent) Name() string   { return NameDocumentError }
func (e UnknownEvent) Name() string       { return e.Event }

func (ProgressEvent) Terminal() bool        { return false }
func (PausedEvent) Terminal() bool          { return true }
func (CompleteEvent) Terminal() bool        { return true }
func (ProcessingErrorEvent) Terminal() bool { return true }
func (FinalStatusEvent) Terminal() bool     { return true }
func (InitEvent) Terminal() bool            { return false }
func (StreamErrorEvent) Terminal() bool     { return true }
func (EndStreamEvent) Terminal() bool       { return true }
func (DocumentErrorEvent) Terminal() bool   { return false }
func (UnknownEvent) Terminal() bool         { return false }

// Decode maps a raw message onto its variant. It never fails: a bad payload
// is reported through DecodeErr on the returned event.
func Decode(msg Message) Event {
	b := decodePayload(msg)
	switch msg.Event {
	case NameProgress:
		return ProgressEvent{b}
	case NamePaused:
		return PausedEvent{b}
	case NameComplete:
		return CompleteEvent{b}
	case NameProcessingError:
		return ProcessingErrorEvent{b}
	case NameFinalStatus:
		return FinalStatusEvent{b}
	case NameInit:
		return InitEvent{b}
	case NameError:
		return StreamErrorEvent{b}
	case NameEndStream:
		return EndStreamEvent{b}
	case NameDocumentError:
		return DocumentErrorEvent{b}
	}
	return UnknownEvent{base: b, Event: msg.Event, Data: msg.Data}
}

func decodePayload(msg Message) base {
	data := strings.TrimSpace(msg.Data)
	if data == "" {
		return base{}
	}
	var p models.ProgressPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return base{Err: fmt.Errorf("%w: %s event: %v", ErrUnparseable, msg.Event, err)}
	}
	return base{Payload: p}
}
