package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/policypulse/policypulse-go/internal/core"
	"github.com/policypulse/policypulse-go/internal/models"
)

// pollInterval bounds how long a closed stream goes unnoticed when its close
// did not change the step's progress.
const pollInterval = 250 * time.Millisecond

var statusStyles = map[models.RunStatus]lipgloss.Style{
	models.StatusCompleted:           successStyle,
	models.StatusCompletedWithErrors: warnStyle,
	models.StatusPaused:              warnStyle,
	models.StatusPausing:             warnStyle,
	models.StatusFailedPermanently:   errorStyle,
	models.StatusError:               errorStyle,
}

// watch writes the step's progress line whenever it changes and returns the
// last progress once no stream is open and the step is no longer active.
// On a terminal the line is redrawn in place.
func watch(ctx context.Context, app *core.App, stepID string, out io.Writer) models.JobProgress {
	changed := make(chan struct{}, 1)
	unsubscribe := app.Progress().Subscribe(func(p models.JobProgress) {
		if p.StepID != stepID {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	live := isTerminal(out)
	var last string
	for {
		p := app.Progress().Get(stepID)
		if line := progressLine(p); line != last {
			if live {
				fmt.Fprint(out, "\r\033[K"+line)
			} else {
				fmt.Fprintln(out, line)
			}
			last = line
		}
		if !p.RunStatus.Active() && !app.Streams().IsOpen(stepID) {
			if live {
				fmt.Fprintln(out)
			}
			return p
		}

		select {
		case <-ctx.Done():
			if live {
				fmt.Fprintln(out)
			}
			return app.Progress().Get(stepID)
		case <-changed:
		case <-time.After(pollInterval):
		}
	}
}

// progressLine renders one step's progress on a single line.
func progressLine(p models.JobProgress) string {
	status := string(p.RunStatus)
	if style, ok := statusStyles[p.RunStatus]; ok {
		status = style.Render(status)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %3d%% %s", p.StepID, p.Percent, status)
	if p.Total > 0 {
		fmt.Fprintf(&b, " %d/%d", p.Processed, p.Total)
	}
	if p.Failed > 0 {
		fmt.Fprintf(&b, " (%d failed)", p.Failed)
	}
	switch {
	case p.Error != nil && *p.Error != "":
		b.WriteString(" " + errorStyle.Render(*p.Error))
	case p.Message != nil && *p.Message != "":
		b.WriteString(" " + faintStyle.Render(*p.Message))
	}
	return b.String()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
