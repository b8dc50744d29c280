// This file defines the ledger entry for files picked up from the inbox.

package models

import "time"

// UploadStatus is the outcome of handling one inbox file.
type UploadStatus string

const (
	UploadStatusUploaded UploadStatus = "uploaded"
	UploadStatusRejected UploadStatus = "rejected"
	UploadStatusFailed   UploadStatus = "failed"
)

// Upload records what happened to a file dropped into the inbox.
type Upload struct {
	ID         int64        `json:"id"`
	Path       string       `json:"path"`
	FileName   string       `json:"file_name"`
	ProjectID  string       `json:"project_id"`
	FileSize   int64        `json:"file_size"`
	Status     UploadStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	DocumentID string       `json:"document_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// UploadError classifies why a file was not uploaded.
type UploadError string

const (
	ErrorUnsupportedType UploadError = "unsupported_type"
	ErrorUnreadablePDF   UploadError = "unreadable_pdf"
	ErrorEmptyPDF        UploadError = "empty_pdf"
	ErrorInvalidDOCX     UploadError = "invalid_docx"
	ErrorIOError         UploadError = "io_error"
	ErrorUploadFailed    UploadError = "upload_failed"
)

// String returns the human-readable error description
func (e UploadError) String() string {
	switch e {
	case ErrorUnsupportedType:
		return "Unsupported File Type"
	case ErrorUnreadablePDF:
		return "Unreadable PDF"
	case ErrorEmptyPDF:
		return "PDF Has No Pages"
	case ErrorInvalidDOCX:
		return "Invalid DOCX"
	case ErrorIOError:
		return "I/O Error"
	case ErrorUploadFailed:
		return "Upload Failed"
	default:
		return "Unknown Error"
	}
}
