package models

import (
	"time"

	json "github.com/goccy/go-json"
)

// StepAction is the control verb sent to the manage endpoint.
type StepAction string

const (
	ActionPause  StepAction = "pause"
	ActionResume StepAction = "resume"
)

// StepActionRequest is the body of POST .../manage.
type StepActionRequest struct {
	Action StepAction `json:"action"`
}

// Acknowledgements returned by the manage endpoint.
const (
	AckPauseRequested  = "pause_requested"
	AckResumeRequested = "resume_requested"
	AckPauseFailed     = "pause_failed"
	AckResumeFailed    = "resume_failed"
)

// StepActionResponse is the manage endpoint's answer.
type StepActionResponse struct {
	StepID  string  `json:"step_id"`
	Action  string  `json:"action"`
	Message string  `json:"message"`
	Details *string `json:"details,omitempty"`
}

// Project is a container of documents and steps.
type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	OwnerUserID string     `json:"owner_user_id,omitempty"`
	Description *string    `json:"description,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// CreateProjectRequest is the body of POST /projects/.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
}

// CustomStep is a user-defined processing rule.
type CustomStep struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"project_id"`
	Name              string       `json:"name"`
	Description       *string      `json:"description,omitempty"`
	ProcessingMode    string       `json:"processing_mode,omitempty"`
	Prompts           []PromptItem `json:"prompts,omitempty"`
	LastReprocessType *string      `json:"last_reprocess_type,omitempty"`
	RunStatus         *string      `json:"run_status,omitempty"`
	CreatedAt         *time.Time   `json:"created_at,omitempty"`
	UpdatedAt         *time.Time   `json:"updated_at,omitempty"`
}

// Processing modes of a step.
const (
	ProcessingDocumentByDocument = "document_by_document"
	ProcessingProjectWide        = "project_wide_dynamic_analysis"
)

// ValidProcessingMode reports whether m names a known processing mode.
func ValidProcessingMode(m string) bool {
	return m == ProcessingDocumentByDocument || m == ProcessingProjectWide
}

// Prompt item types.
const (
	PromptStandard    = "standard_prompt"
	PromptConditional = "conditional_block"
)

// PromptConfig is one prompt sent to the model.
type PromptConfig struct {
	Text                   string `json:"text"`
	IncludeDocumentContext bool   `json:"include_document_context"`
}

// PromptItem is one entry of a step's prompt sequence: either a standard
// prompt or a conditional block whose action prompts run when the
// condition holds.
type PromptItem struct {
	Type            string         `json:"type"`
	Prompt          *PromptConfig  `json:"prompt,omitempty"`
	ConditionPrompt *PromptConfig  `json:"condition_prompt,omitempty"`
	ActionPrompts   []PromptConfig `json:"action_prompts,omitempty"`
}

// StandardPrompt builds a plain prompt item that sees the document.
func StandardPrompt(text string) PromptItem {
	return PromptItem{Type: PromptStandard, Prompt: &PromptConfig{Text: text, IncludeDocumentContext: true}}
}

// CreateStepRequest is the body of POST /api/custom-steps.
type CreateStepRequest struct {
	ProjectID      string       `json:"project_id"`
	Name           string       `json:"name"`
	Description    *string      `json:"description,omitempty"`
	Prompts        []PromptItem `json:"prompts,omitempty"`
	ProcessingMode string       `json:"processing_mode,omitempty"`
}

// UpdateStepRequest is the body of PUT /api/custom-steps/{project}/{step}.
// Nil fields are left unchanged.
type UpdateStepRequest struct {
	Name           *string      `json:"name,omitempty"`
	Description    *string      `json:"description,omitempty"`
	Prompts        []PromptItem `json:"prompts,omitempty"`
	ProcessingMode *string      `json:"processing_mode,omitempty"`
}

// Document is an uploaded file and its analysis state.
type Document struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	FileName        string     `json:"file_name"`
	Status          string     `json:"status"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	AIAnalysisError *string    `json:"ai_analysis_error,omitempty"`
}

// DocumentDetails is a document with its analysis output. Analysis and
// CustomAnalysisResults have no fixed schema; the latter is keyed by step id.
type DocumentDetails struct {
	Document
	StoragePath           string          `json:"storage_path,omitempty"`
	Analysis              json.RawMessage `json:"analysis,omitempty"`
	CustomAnalysisResults json.RawMessage `json:"custom_analysis_results,omitempty"`
}

// ListDocumentsResponse wraps GET /documents/.
type ListDocumentsResponse struct {
	Documents []Document `json:"documents"`
}

// ListProjectsResponse wraps GET /projects/.
type ListProjectsResponse struct {
	Projects []Project `json:"projects"`
}

// UploadResponse is returned by the process-pdf endpoint.
type UploadResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	DocumentID *string `json:"document_id,omitempty"`
}

// BasicReprocessResponse is returned when a document's basic analysis is
// run again.
type BasicReprocessResponse struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	AnalysisResult json.RawMessage `json:"analysis_result,omitempty"`
}

// BulkReprocessRequest selects documents for basic reprocessing: explicit
// ids, or a project optionally narrowed by document status.
type BulkReprocessRequest struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Statuses    []string `json:"statuses,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
}

// BulkReprocessResponse reports how many documents were queued.
type BulkReprocessResponse struct {
	Message   string `json:"message"`
	TaskCount int    `json:"task_count"`
}

// AnalyticsFilter narrows the analytics summary. Empty fields do not filter.
type AnalyticsFilter struct {
	ProjectID  string
	Sentiment  string
	Complexity string
	Topic      string
}

// TopicCount is how many documents mention a topic.
type TopicCount struct {
	TopicName string `json:"topic_name"`
	Count     int    `json:"count"`
}

// AnalyticsSummary aggregates the basic analysis of processed documents.
type AnalyticsSummary struct {
	TotalDocuments         int            `json:"total_documents"`
	SentimentDistribution  map[string]int `json:"sentiment_distribution"`
	ComplexityDistribution map[string]int `json:"complexity_distribution"`
	TopTopics              []TopicCount   `json:"top_topics"`
	Error                  *string        `json:"error,omitempty"`
}

// DeleteStepResultsResponse is returned when a step's results are cleared.
type DeleteStepResultsResponse struct {
	StepID         string `json:"step_id"`
	ProjectID      string `json:"project_id"`
	Message        string `json:"message"`
	ResultsCleared bool   `json:"results_cleared"`
	StepReset      bool   `json:"step_reset"`
}

// StepResultsSummary aggregates a step's results across a project.
// SummaryData's shape depends on SummaryType and is rendered schemaless.
type StepResultsSummary struct {
	StepName               string          `json:"step_name"`
	TotalDocumentsAnalyzed int             `json:"total_documents_analyzed"`
	TotalProjectDocuments  int             `json:"total_project_documents"`
	SummaryType            string          `json:"summary_type"`
	SummaryData            json.RawMessage `json:"summary_data,omitempty"`
	Error                  *string         `json:"error,omitempty"`
}
