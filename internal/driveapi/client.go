// Package driveapi is a lightweight HTTP client for the Google Drive v3
// REST API. Unlike the generated google.golang.org/api/drive/v3 RPC client,
// it dispatches requests directly so the request queue (package fs) keeps
// full control over retry, merge, and cancellation semantics; it borrows
// drive.v3's typed structs for response decoding.
package driveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// BaseURL is the Drive v3 REST API root. It's a var rather than a const
// solely so tests can point it at a local fake server.
var BaseURL = "https://www.googleapis.com/drive/v3"

// UploadBaseURL is the root for resumable upload session requests.
var UploadBaseURL = "https://www.googleapis.com/upload/drive/v3"

// APIError wraps a non-2xx Drive API response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("drive API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Client performs authenticated requests against the Drive v3 API. The
// supplied http.Client is expected to already attach bearer-token auth (see
// fs.CredentialStore.HTTPClient); Client itself only knows HTTP, not OAuth.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client around httpClient, applying the same
// dial/handshake timeouts the teacher's graph.Request uses when httpClient
// has no transport configured yet.
func NewClient(httpClient *http.Client) *Client {
	if httpClient.Transport == nil {
		httpClient.Transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return &Client{HTTP: httpClient}
}

// Do issues method against url with the given JSON body (nil for none),
// decoding a successful response into out (nil to discard the body) and
// returning *APIError for any >=400 response with a parseable error body.
func (c *Client) Do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("url", url).Msg("drive API request failed")
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return apiErrorFromBody(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// apiErrorFromBody decodes Drive's {"error": {"code", "message"}} error
// shape, grounded on the teacher's graphError handling in fs/graph/graph.go.
// The body is looked up dynamically rather than through a typed struct since
// error.code is a number on most endpoints but a string inside resumable
// upload responses.
func apiErrorFromBody(status int, data []byte) *APIError {
	v, err := ParseValue(data)
	if err != nil {
		return &APIError{StatusCode: status}
	}
	return &APIError{
		StatusCode: status,
		Code:       v.Lookup("error", "code").Text(),
		Message:    v.Lookup("error", "message").Text(),
	}
}
