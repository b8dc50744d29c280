package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/core"
	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/render"
)

var errUnknownStep = errors.New("step not found in the selected project")

func newStepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "steps",
		Short:   "List the steps of the selected project",
		GroupID: "project",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *core.App, _ []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			steps, err := app.Backend().ListSteps(cmd.Context(), projectID)
			if err != nil {
				return err
			}

			t := newTable("ID", "Name", "Status", "Last mode")
			for _, st := range steps {
				status := "idle"
				if st.RunStatus != nil {
					if s, ok := models.ParseRunStatus(*st.RunStatus); ok {
						status = string(s)
					}
				}
				mode := "-"
				if st.LastReprocessType != nil {
					mode = *st.LastReprocessType
				}
				t.Row(st.ID, st.Name, status, mode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return nil
		}),
	}
	cmd.AddCommand(newStepCreateCommand(), newStepUpdateCommand())
	return cmd
}

func standardPrompts(texts []string) []models.PromptItem {
	if len(texts) == 0 {
		return nil
	}
	items := make([]models.PromptItem, 0, len(texts))
	for _, text := range texts {
		items = append(items, models.StandardPrompt(text))
	}
	return items
}

func newStepCreateCommand() *cobra.Command {
	var (
		description string
		prompts     []string
		mode        string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Define a step in the selected project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			if !models.ValidProcessingMode(mode) {
				return fmt.Errorf("unknown processing mode %q", mode)
			}
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			req := models.CreateStepRequest{
				ProjectID:      projectID,
				Name:           args[0],
				Prompts:        standardPrompts(prompts),
				ProcessingMode: mode,
			}
			if description != "" {
				req.Description = &description
			}
			st, err := app.Backend().CreateStep(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", successStyle.Render("Created step"), st.Name, st.ID)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Step description")
	cmd.Flags().StringArrayVarP(&prompts, "prompt", "p", nil, "Prompt run against each document; repeat for a sequence")
	cmd.Flags().StringVar(&mode, "processing-mode", models.ProcessingDocumentByDocument,
		"document_by_document or project_wide_dynamic_analysis")
	return cmd
}

func newStepUpdateCommand() *cobra.Command {
	var (
		name        string
		description string
		prompts     []string
		mode        string
	)
	cmd := &cobra.Command{
		Use:   "update <step-id>",
		Short: "Change a step's definition; only the given flags are changed",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			var req models.UpdateStepRequest
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("description") {
				req.Description = &description
			}
			if flags.Changed("prompt") {
				req.Prompts = standardPrompts(prompts)
			}
			if flags.Changed("processing-mode") {
				if !models.ValidProcessingMode(mode) {
					return fmt.Errorf("unknown processing mode %q", mode)
				}
				req.ProcessingMode = &mode
			}
			if req.Name == nil && req.Description == nil && req.Prompts == nil && req.ProcessingMode == nil {
				return errors.New("nothing to update")
			}
			st, err := app.Backend().UpdateStep(cmd.Context(), projectID, args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", successStyle.Render("Updated step"), st.Name, st.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().StringArrayVarP(&prompts, "prompt", "p", nil, "Replace the prompts; repeat for a sequence")
	cmd.Flags().StringVar(&mode, "processing-mode", "", "document_by_document or project_wide_dynamic_analysis")
	return cmd
}

func newRunCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:     "run <step-id>",
		Short:   "Reprocess a step and follow its progress",
		GroupID: "run",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			stepID := args[0]
			if _, err := trackStep(cmd.Context(), app, projectID, stepID); err != nil {
				return err
			}
			if err := app.Control().Trigger(cmd.Context(), projectID, stepID, models.ReprocessMode(mode)); err != nil {
				return err
			}
			return follow(cmd, app, stepID)
		}),
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(models.ModeAll), "Documents to reprocess: all, new, failed or pending")
	return cmd
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "pause <step-id>",
		Short:   "Pause a running step at the next document",
		GroupID: "run",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			stepID := args[0]
			if _, err := trackStep(cmd.Context(), app, projectID, stepID); err != nil {
				return err
			}
			err = app.Control().Pause(cmd.Context(), projectID, stepID)
			fmt.Fprintln(cmd.OutOrStdout(), progressLine(app.Progress().Get(stepID)))
			return err
		}),
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "resume <step-id>",
		Short:   "Resume a paused step and follow its progress",
		GroupID: "run",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			stepID := args[0]
			st, err := trackStep(cmd.Context(), app, projectID, stepID)
			if err != nil {
				return err
			}
			// Records the backend's last reprocess type as a fallback mode.
			// A paused step never gets a stream from this.
			app.Streams().Reconcile(projectID, []models.CustomStep{st})

			if err := app.Control().Resume(cmd.Context(), projectID, stepID); err != nil {
				return err
			}
			return follow(cmd, app, stepID)
		}),
	}
}

func newSummaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "summary <step-id>",
		Short:   "Show a step's aggregated results",
		GroupID: "run",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			stepID := args[0]
			refreshErr := app.Stats().RefreshStats(cmd.Context(), projectID, stepID)
			summary, ok := app.Stats().Summary(stepID)
			if !ok {
				return refreshErr
			}
			node, err := render.Summary(*summary)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, render.Text(node))
			fmt.Fprintln(out, faintStyle.Render(progressLine(app.Progress().Get(stepID))))
			return nil
		}),
	}
}

// trackStep looks the step up and seeds the progress store from the
// backend's snapshot, so commands run in a fresh process see the step as the
// gateway would.
func trackStep(ctx context.Context, app *core.App, projectID, stepID string) (models.CustomStep, error) {
	steps, err := app.Backend().ListSteps(ctx, projectID)
	if err != nil {
		return models.CustomStep{}, err
	}
	var step *models.CustomStep
	for i := range steps {
		if steps[i].ID == stepID {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		return models.CustomStep{}, fmt.Errorf("%w: %s", errUnknownStep, stepID)
	}

	snap, err := app.Backend().Progress(ctx, projectID, stepID)
	switch {
	case err == nil:
		app.Progress().UpdateProgress(stepID, *snap)
	case errors.Is(err, backend.ErrNotFound):
		app.Progress().UpdateProgress(stepID, models.ProgressPayload{})
	default:
		return models.CustomStep{}, err
	}

	if step.RunStatus != nil && app.Progress().Get(stepID).RunStatus == models.StatusIdle {
		if s, ok := models.ParseRunStatus(*step.RunStatus); ok {
			app.Progress().SetStepRunStatus(stepID, s)
		}
	}
	return *step, nil
}

// follow prints the step's progress until its stream ends. An interrupt
// stops following; the backend run carries on.
func follow(cmd *cobra.Command, app *core.App, stepID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	final := watch(ctx, app, stepID, cmd.OutOrStdout())
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), faintStyle.Render("Stopped following; the run continues on the backend."))
		return nil
	}
	switch final.RunStatus {
	case models.StatusFailedPermanently, models.StatusError:
		msg := "run failed"
		if final.Error != nil {
			msg = *final.Error
		}
		return fmt.Errorf("step %s: %s", stepID, msg)
	}
	return nil
}
