package driveapi

import (
	"context"
	"fmt"
	"net/url"

	drive "google.golang.org/api/drive/v3"
)

// StartPageToken returns the current change-token cursor for the account
// (spec.md §4.5: "issue a startPageToken request").
func (c *Client) StartPageToken(ctx context.Context) (string, error) {
	var out struct {
		StartPageToken string `json:"startPageToken"`
	}
	u := BaseURL + "/changes/startPageToken"
	if err := c.Do(ctx, "GET", u, nil, &out); err != nil {
		return "", err
	}
	return out.StartPageToken, nil
}

// ChangesPage is one page of the changes.list response.
type ChangesPage struct {
	Changes           []*drive.Change
	NewStartPageToken string
	NextPageToken     string
}

// ListChanges fetches one page of account-wide changes starting at
// pageToken (spec.md's change-token polling loop).
func (c *Client) ListChanges(ctx context.Context, pageToken string) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("pageToken", pageToken)
	q.Set("fields", "newStartPageToken,nextPageToken,changes(fileId,removed,file("+fileFields+"))")

	var raw struct {
		Changes           []*drive.Change `json:"changes"`
		NewStartPageToken string          `json:"newStartPageToken"`
		NextPageToken     string          `json:"nextPageToken"`
	}
	u := BaseURL + "/changes?" + q.Encode()
	if err := c.Do(ctx, "GET", u, nil, &raw); err != nil {
		return nil, err
	}
	return &ChangesPage{Changes: raw.Changes, NewStartPageToken: raw.NewStartPageToken, NextPageToken: raw.NextPageToken}, nil
}

// GetModifiedTime is a narrow GetFile used just to check whether a
// directory's modifiedTime advanced (spec.md §4.5, "For other directories").
func (c *Client) GetModifiedTime(ctx context.Context, fileID string) (string, error) {
	var out struct {
		ModifiedTime string `json:"modifiedTime"`
	}
	u := fmt.Sprintf("%s/files/%s?fields=modifiedTime", BaseURL, url.PathEscape(fileID))
	if err := c.Do(ctx, "GET", u, nil, &out); err != nil {
		return "", err
	}
	return out.ModifiedTime, nil
}
