package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/policypulse/policypulse-go/internal/config"
	"github.com/policypulse/policypulse-go/internal/core"
	"github.com/policypulse/policypulse-go/internal/notify"
)

const cliExecutable = "pulse"

var version = "dev"

var errNoProject = errors.New("no project selected; run `pulse use <project-id>` first")

type appKey struct{}

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// NewCommand builds the pulse command tree. The App is built once per
// invocation in PersistentPreRunE and closed by withApp.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
	)

	cmd := &cobra.Command{
		Use:     cliExecutable,
		Short:   "Run and watch PolicyPulse step reprocessing",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			// The gateway owns schedules and the inbox; a CLI run does neither.
			cfg.SyncInterval = 0
			cfg.Inbox.Path = ""

			printer := notify.SinkFunc(func(n notify.Notification) {
				fmt.Fprintln(cmd.ErrOrStderr(), notificationLine(n))
			})
			app, err := core.NewWithConfig(cfg, printer)
			if err != nil {
				return err
			}
			app.Version = version

			// -v count: 0=>Error, 1=>Info, 2+=>Debug
			switch {
			case verbosityCount <= 0:
				zerolog.SetGlobalLevel(zerolog.ErrorLevel)
			case verbosityCount == 1:
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			default:
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			ctx := context.WithValue(cmd.Context(), appKey{}, app)
			cmd.SetContext(ctx)
			if root := cmd.Root(); root != nil && root != cmd {
				root.SetContext(ctx)
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")

	cmd.AddGroup(&cobra.Group{ID: "project", Title: "Project Commands"})
	cmd.AddGroup(&cobra.Group{ID: "run", Title: "Run Commands"})

	cmd.AddCommand(newProjectsCommand())
	cmd.AddCommand(newUseCommand())
	cmd.AddCommand(newStepsCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newPauseCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newSummaryCommand())
	cmd.AddCommand(newDocumentsCommand())
	cmd.AddCommand(newResultsCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newAnalyticsCommand())
	cmd.AddCommand(newReprocessBasicCommand())

	return cmd
}

// withApp hands the invocation's App to fn and closes it afterwards, also
// when fn fails.
func withApp(fn func(cmd *cobra.Command, app *core.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, ok := cmd.Context().Value(appKey{}).(*core.App)
		if !ok {
			return errors.New("application not initialized")
		}
		defer app.Close()
		return fn(cmd, app, args)
	}
}

func selectedProject(app *core.App) (string, error) {
	projectID, err := app.Prefs().SelectedProject()
	if err != nil {
		return "", err
	}
	if projectID == "" {
		return "", errNoProject
	}
	return projectID, nil
}

func notificationLine(n notify.Notification) string {
	style := faintStyle
	switch n.Level {
	case notify.LevelSuccess:
		style = successStyle
	case notify.LevelWarning:
		style = warnStyle
	case notify.LevelError:
		style = errorStyle
	}
	line := style.Render(n.Title)
	if n.Message != "" {
		line += " " + n.Message
	}
	return line
}
