// This file checks dropped files before they are sent to the backend. A file
// the backend would choke on is rejected locally with a classified reason.

package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/mholt/archives"

	"github.com/policypulse/policypulse-go/internal/models"
)

// PreflightError is returned for a file that must not be uploaded.
type PreflightError struct {
	Code models.UploadError
	Err  error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code.String(), e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

func reject(code models.UploadError, err error) error {
	return &PreflightError{Code: code, Err: err}
}

// Supported reports whether the inbox picks up a file with this name.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".docx":
		return true
	}
	return false
}

// Preflight validates a document before upload.
func Preflight(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return reject(models.ErrorIOError, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		return checkPDF(path)
	case ".docx":
		return checkDOCX(ctx, path)
	default:
		return reject(models.ErrorUnsupportedType, fmt.Errorf("extension %q", ext))
	}
}

func checkPDF(path string) error {
	doc, err := fitz.New(path)
	if err != nil {
		return reject(models.ErrorUnreadablePDF, err)
	}
	defer doc.Close()

	if doc.NumPage() < 1 {
		return reject(models.ErrorEmptyPDF, errors.New("document has no pages"))
	}
	return nil
}

// docxMainPart is the entry every Word document carries.
const docxMainPart = "word/document.xml"

func checkDOCX(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return reject(models.ErrorIOError, err)
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, filepath.Base(path), f)
	if err != nil {
		return reject(models.ErrorInvalidDOCX, fmt.Errorf("not a zip container: %w", err))
	}
	if _, ok := format.(archives.Zip); !ok {
		return reject(models.ErrorInvalidDOCX, fmt.Errorf("unexpected container %s", format.Extension()))
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return reject(models.ErrorIOError, err)
	}
	found := false
	err = archives.Zip{}.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		if info.NameInArchive == docxMainPart {
			found = true
		}
		return nil
	})
	if err != nil {
		return reject(models.ErrorInvalidDOCX, err)
	}
	if !found {
		return reject(models.ErrorInvalidDOCX, fmt.Errorf("missing %s", docxMainPart))
	}
	return nil
}
