package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/policypulse/policypulse-go/internal/core"
	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/render"
)

func newDocumentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "documents",
		Short:   "List the selected project's documents",
		GroupID: "project",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}
			docs, err := app.Backend().ListDocuments(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), faintStyle.Render("No documents."))
				return nil
			}
			t := newTable("ID", "File", "Status")
			for _, d := range docs {
				t.Row(d.ID, d.FileName, d.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return nil
		}),
	}
}

func newReprocessBasicCommand() *cobra.Command {
	var (
		all      bool
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "reprocess-basic [document-id...]",
		Short: "Run the basic analysis of documents again",
		Long: `Run the basic analysis of documents again. A single document is
reprocessed while you wait; several documents, or --all, are queued on the
backend.`,
		GroupID: "run",
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case len(args) == 0 && !all:
				return errors.New("name documents or pass --all")
			case len(args) > 0 && all:
				return errors.New("--all cannot be combined with document ids")
			case len(args) == 1:
				resp, err := app.Backend().ReprocessBasic(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !resp.Success {
					return fmt.Errorf("document %s: %s", args[0], resp.Message)
				}
				fmt.Fprintln(out, successStyle.Render(resp.Message))
				return nil
			}

			req := models.BulkReprocessRequest{DocumentIDs: args}
			if all {
				projectID, err := selectedProject(app)
				if err != nil {
					return err
				}
				req = models.BulkReprocessRequest{ProjectID: projectID, Statuses: statuses}
			}
			resp, err := app.Backend().BulkReprocessBasic(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Queued %d documents\n", resp.TaskCount)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "Reprocess the selected project's documents")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "With --all, only documents in these statuses")
	return cmd
}

func newResultsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "results <document-id>",
		Short:   "Show a document's results for every step",
		GroupID: "project",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			doc, err := app.Backend().GetDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			names := make(map[string]string)
			steps, err := app.Backend().ListSteps(cmd.Context(), doc.ProjectID)
			if err != nil {
				log.Warn().Err(err).Str("project_id", doc.ProjectID).Msg("could not load step names")
			}
			for _, st := range steps {
				names[st.ID] = st.Name
			}

			node, err := render.StepResults(*doc, names)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render(doc.FileName))
			fmt.Fprintln(out, render.Text(node))
			return nil
		}),
	}
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "export <file>",
		Short:   "Export the selected project's results as CSV",
		GroupID: "project",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			projectID, err := selectedProject(app)
			if err != nil {
				return err
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			n, err := app.Backend().ExportCSV(cmd.Context(), projectID, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[0])
				return fmt.Errorf("export project %s: %w", projectID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", n, args[0])
			return nil
		}),
	}
}
