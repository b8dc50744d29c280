package commands

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/policypulse/policypulse-go/internal/core"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

var errNoOwner = errors.New("no owner user id; pass --owner or set backend.user_id")

func newProjectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Short:   "List projects on the backend",
		GroupID: "project",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *core.App, _ []string) error {
			projects, err := app.Backend().ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			selected, _ := app.Prefs().SelectedProject()

			t := newTable("", "ID", "Name")
			for _, p := range projects {
				mark := ""
				if p.ID == selected {
					mark = "*"
				}
				t.Row(mark, p.ID, p.Name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return nil
		}),
	}
	cmd.AddCommand(newProjectCreateCommand())
	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			if owner == "" {
				owner = app.Config().Backend.UserID
			}
			if owner == "" {
				return errNoOwner
			}
			p, err := app.Backend().CreateProject(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", successStyle.Render("Created project"), p.Name, p.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owning user id (default backend.user_id)")
	return cmd
}

func newUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "use <project-id>",
		Short:   "Select the project later commands work on",
		GroupID: "project",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *core.App, args []string) error {
			if err := app.Prefs().SetSelectedProject(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Using project %s\n", args[0])
			return nil
		}),
	}
}
