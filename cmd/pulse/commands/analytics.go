package commands

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/policypulse/policypulse-go/internal/core"
	"github.com/policypulse/policypulse-go/internal/models"
)

func newAnalyticsCommand() *cobra.Command {
	var filter models.AnalyticsFilter
	cmd := &cobra.Command{
		Use:     "analytics",
		Short:   "Summarize the basic analysis of the selected project's documents",
		GroupID: "project",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *core.App, _ []string) error {
			// Without a selected project the summary covers every project.
			projectID, err := app.Prefs().SelectedProject()
			if err != nil {
				return err
			}
			filter.ProjectID = projectID
			sum, err := app.Backend().AnalyticsSummary(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if sum.Error != nil {
				return fmt.Errorf("analytics: %s", *sum.Error)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d\n", headerStyle.Render("Documents:"), sum.TotalDocuments)
			if sum.TotalDocuments == 0 {
				return nil
			}
			fmt.Fprintln(out, distributionTable("Sentiment", sum.SentimentDistribution).String())
			fmt.Fprintln(out, distributionTable("Complexity", sum.ComplexityDistribution).String())
			if len(sum.TopTopics) > 0 {
				t := newTable("Topic", "Documents")
				for _, tc := range sum.TopTopics {
					t.Row(tc.TopicName, strconv.Itoa(tc.Count))
				}
				fmt.Fprintln(out, t.String())
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&filter.Sentiment, "sentiment", "", "Only documents with this sentiment")
	cmd.Flags().StringVar(&filter.Complexity, "complexity", "", "Only documents with this complexity")
	cmd.Flags().StringVar(&filter.Topic, "topic", "", "Only documents mentioning this topic")
	return cmd
}

func distributionTable(label string, dist map[string]int) *table.Table {
	t := newTable(label, "Documents")
	for _, k := range slices.Sorted(maps.Keys(dist)) {
		t.Row(k, strconv.Itoa(dist[k]))
	}
	return t
}
