package driveapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResumableUploadSessionURLForNewFile(t *testing.T) {
	t.Parallel()
	u := ResumableUploadSessionURL("")
	assert.Contains(t, u, "/files?uploadType=resumable")
}

func TestResumableUploadSessionURLForExistingFile(t *testing.T) {
	t.Parallel()
	u := ResumableUploadSessionURL("f1")
	assert.Contains(t, u, "/files/f1?uploadType=resumable")
}
