package render

import (
	"fmt"

	"github.com/policypulse/policypulse-go/internal/models"
)

// NoResultsText is shown for a document without step results.
const NoResultsText = "No custom analysis results available for this document."

// StepResults renders the per-step analysis results of a document. Each step
// becomes a block labeled with its name from names, or its id when unknown.
func StepResults(doc models.DocumentDetails, names map[string]string) (Node, error) {
	v, err := Parse([]byte(doc.CustomAnalysisResults))
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	obj, ok := v.(Object)
	if !ok {
		if v == nil {
			return Scalar{Value: NoResultsText}, nil
		}
		return Render(v), nil
	}
	if len(obj) == 0 {
		return Scalar{Value: NoResultsText}, nil
	}

	g := Group{Blocks: make([]Block, len(obj))}
	for i, m := range obj {
		label := m.Key
		if name, ok := names[m.Key]; ok && name != "" {
			label = name
		}
		g.Blocks[i] = Block{Label: label, Body: Render(m.Value)}
	}
	return g, nil
}

// Summary renders a step's aggregated results.
func Summary(s models.StepResultsSummary) (Node, error) {
	if s.Error != nil && *s.Error != "" {
		return Block{Label: "error", Body: Scalar{Value: *s.Error}}, nil
	}
	v, err := Parse([]byte(s.SummaryData))
	if err != nil {
		return nil, fmt.Errorf("summary of %s: %w", s.StepName, err)
	}
	label := s.SummaryType
	if label == "" {
		label = "summary"
	}
	return Group{Blocks: []Block{
		{Label: "step", Body: Scalar{Value: s.StepName}},
		{Label: "documents_analyzed", Body: Scalar{Value: fmt.Sprintf("%d of %d", s.TotalDocumentsAnalyzed, s.TotalProjectDocuments)}},
		{Label: label, Body: Render(v)},
	}}, nil
}
