// Package sse reads text/event-stream bodies and decodes PolicyPulse
// reprocessing events into a closed set of variants.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Message is one dispatched server-sent event.
type Message struct {
	ID    string
	Event string
	Data  string
}

// maxLine bounds a single event line; progress payloads are small.
const maxLine = 1 << 20

// Reader yields messages from an event stream in arrival order.
type Reader struct {
	sc     *bufio.Scanner
	lastID string
}

// NewReader wraps r. The caller owns closing r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &Reader{sc: sc}
}

// Next blocks until a full message has been read. It returns io.EOF when the
// stream ends cleanly; a partially read message at EOF is discarded.
func (r *Reader) Next() (Message, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
	)
	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")
		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			if event == "" {
				event = "message"
			}
			return Message{ID: r.lastID, Event: event, Data: data.String()}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		}
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
