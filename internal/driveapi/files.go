package driveapi

import (
	"context"
	"fmt"
	"net/url"

	drive "google.golang.org/api/drive/v3"
)

// fileFields lists the metadata fields requested on every files.get/list
// call, keeping responses small and predictable (spec.md §3's Entry fields).
const fileFields = "id,name,mimeType,size,modifiedTime,createdTime,trashed,md5Checksum,parents"

// GetFile fetches one file's metadata by id (spec.md's GET dispatch).
func (c *Client) GetFile(ctx context.Context, fileID string) (*drive.File, error) {
	var out drive.File
	u := fmt.Sprintf("%s/files/%s?fields=%s", BaseURL, url.PathEscape(fileID), url.QueryEscape(fileFields))
	if err := c.Do(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListChildren paginates through a directory's children (spec.md §4.5:
// pageSize=1000, trashed=false, ordered by name).
func (c *Client) ListChildren(ctx context.Context, parentID, pageToken string) (*drive.FileList, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", parentID))
	q.Set("pageSize", "1000")
	q.Set("orderBy", "name")
	q.Set("fields", "nextPageToken,files("+fileFields+")")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var out drive.FileList
	u := BaseURL + "/files?" + q.Encode()
	if err := c.Do(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertFile creates a new remote object (spec.md's INSERT dispatch).
func (c *Client) InsertFile(ctx context.Context, body map[string]interface{}) (*drive.File, error) {
	var out drive.File
	u := BaseURL + "/files?fields=" + url.QueryEscape(fileFields)
	if err := c.Do(ctx, "POST", u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateFile PATCHes an existing remote object's metadata (spec.md's UPDATE
// dispatch).
func (c *Client) UpdateFile(ctx context.Context, fileID string, body map[string]interface{}) (*drive.File, error) {
	var out drive.File
	u := fmt.Sprintf("%s/files/%s?fields=%s", BaseURL, url.PathEscape(fileID), url.QueryEscape(fileFields))
	if err := c.Do(ctx, "PATCH", u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFile removes a remote object outright (spec.md's DELETE dispatch).
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	u := fmt.Sprintf("%s/files/%s", BaseURL, url.PathEscape(fileID))
	return c.Do(ctx, "DELETE", u, nil, nil)
}

// GenerateIDs fetches count server-issued ids for the id pool (spec.md's
// GENERATE_ID dispatch).
func (c *Client) GenerateIDs(ctx context.Context, count int) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	u := fmt.Sprintf("%s/files/generateIds?count=%d&space=drive", BaseURL, count)
	if err := c.Do(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// About fetches the account's storage-quota figures captured at mount for
// statfs (spec.md §4.7's statfs note).
func (c *Client) About(ctx context.Context) (*drive.About, error) {
	var out drive.About
	u := BaseURL + "/about?fields=" + url.QueryEscape("storageQuota")
	if err := c.Do(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// exportMimeForNativeDoc maps a native-document MIME type to the export
// target, always PDF per spec.md's "native document" glossary entry.
const exportMimeForNativeDoc = "application/pdf"

// Download fetches the raw bytes of [start, stop] of a regular file's
// content (spec.md's media download with Range header).
func (c *Client) Download(ctx context.Context, fileID string, start, stop uint64) ([]byte, error) {
	u := fmt.Sprintf("%s/files/%s?alt=media", BaseURL, url.PathEscape(fileID))
	return c.downloadRange(ctx, u, start, stop)
}

// Export fetches a native document's content exported as PDF.
func (c *Client) Export(ctx context.Context, fileID string, start, stop uint64) ([]byte, error) {
	u := fmt.Sprintf("%s/files/%s/export?mimeType=%s", BaseURL, url.PathEscape(fileID), url.QueryEscape(exportMimeForNativeDoc))
	return c.downloadRange(ctx, u, start, stop)
}

func (c *Client) downloadRange(ctx context.Context, u string, start, stop uint64) ([]byte, error) {
	req, err := newRangeRequest(ctx, u, start, stop)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return readAll(resp.Body)
}
