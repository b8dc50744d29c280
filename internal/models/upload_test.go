package models

import "testing"

func TestUploadErrorString(t *testing.T) {
	if got := ErrorEmptyPDF.String(); got != "PDF Has No Pages" {
		t.Errorf("unexpected description %q", got)
	}
	if got := UploadError("other").String(); got != "Unknown Error" {
		t.Errorf("unexpected description %q", got)
	}
}
