package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

var (
	// ErrNotFound matches any 404 from the backend.
	ErrNotFound = errors.New("backend: not found")
	// ErrConflict matches a 409, e.g. a step that is already processing or paused.
	ErrConflict = errors.New("backend: conflict")
	// ErrNotEventStream is returned when the reprocess endpoint answers with
	// something other than text/event-stream.
	ErrNotEventStream = errors.New("backend: response is not an event stream")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// Is lets errors.Is match the sentinel errors above.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// newAPIError extracts FastAPI's {"detail": ...} from body. Validation errors
// carry a list there; it is kept as raw JSON.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Detail) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Detail, &s); err == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(envelope.Detail)
		}
		return apiErr
	}
	apiErr.Detail = truncate(strings.TrimSpace(string(body)), maxDetail)
	return apiErr
}

// maxDetail bounds a non-JSON error body kept as detail, in bytes.
const maxDetail = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
