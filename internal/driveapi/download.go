package driveapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// newRangeRequest builds a GET request carrying a "Range: bytes=a-b" header,
// the HTTP-level building block for both media download and export.
func newRangeRequest(ctx context.Context, url string, start, stop uint64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, stop))
	return req, nil
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
