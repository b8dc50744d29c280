package testutil

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// CreateTestDOCX writes a zip container with the given entries. A real
// document needs "word/document.xml" among them.
func CreateTestDOCX(t *testing.T, dir, name string, entries []string) string {
	t.Helper()
	filePath := filepath.Join(dir, name)
	file, err := os.Create(filePath)
	if err != nil {
		t.Fatalf("Failed to create temp docx file: %v", err)
	}
	defer file.Close()

	zipWriter := zip.NewWriter(file)
	for _, entry := range entries {
		w, err := zipWriter.Create(entry)
		if err != nil {
			t.Fatalf("Failed to create entry '%s' in zip: %v", entry, err)
		}
		fmt.Fprintf(w, "<xml>%s</xml>", entry)
	}
	if err := zipWriter.Close(); err != nil {
		t.Fatalf("Failed to finish docx file: %v", err)
	}
	return filePath
}

// ValidDOCXEntries is the smallest entry set accepted as a Word document.
var ValidDOCXEntries = []string{"[Content_Types].xml", "word/document.xml"}

// CreateTestPDF writes a well-formed PDF with the given number of blank pages.
func CreateTestPDF(t *testing.T, dir, name string, pages int) string {
	t.Helper()
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)

	filePath := filepath.Join(dir, name)
	if err := os.WriteFile(filePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write temp pdf file: %v", err)
	}
	return filePath
}
