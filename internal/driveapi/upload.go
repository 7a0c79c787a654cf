package driveapi

import "fmt"

// ResumableUploadSessionURL builds the endpoint used to initiate a
// resumable-upload session for a new file, or to update an existing file's
// content when fileID is non-empty (spec.md §4.4 step 1).
func ResumableUploadSessionURL(fileID string) string {
	if fileID == "" {
		return UploadBaseURL + "/files?uploadType=resumable"
	}
	return fmt.Sprintf("%s/files/%s?uploadType=resumable", UploadBaseURL, fileID)
}
