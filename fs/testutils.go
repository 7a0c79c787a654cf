package fs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/drivefs/gdfs/internal/driveapi"
)

// RoundTripFunc adapts a function to http.RoundTripper, letting tests stub
// Drive API responses without a live network. Grounded on the teacher's
// httptest.NewServer-based graph tests; fs-package tests build a *Client
// directly around a fake RoundTripper instead of a real listener, since they
// exercise the tree/cache/queue layers above the HTTP boundary.
type RoundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (fn RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return fn(req) }

// JSONResponse builds a canned *http.Response carrying a JSON-encoded body,
// the shape every driveapi.Client method this package's tests exercise
// expects back.
func JSONResponse(status int, body interface{}) *http.Response {
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

// ErrorResponse builds a canned Drive {error:{code,message}} response body.
func ErrorResponse(status int, code int, message string) *http.Response {
	return JSONResponse(status, map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

// NewTestFilesystem builds a fully wired Filesystem around roundTrip, for fs
// package tests that need the tree/cache/queue/remote stack without a live
// network or credential store. The caller owns starting/stopping the queue.
// The id pool is seeded the way dispatchGenerateID would seed it, so tests
// can create files without a running worker pool (makeFile's Pop would
// block forever otherwise); it's filled well past the low-water mark so the
// handful of pops a test makes never enqueues a refill.
func NewTestFilesystem(roundTrip RoundTripFunc, rootID string) *Filesystem {
	client := driveapi.NewClient(&http.Client{Transport: roundTrip})
	cfg := DefaultConfig(1000, 1000)
	cfg.WorkerCount = 2
	fsys := NewFilesystem(client, nil, rootID, cfg)

	ids := make([]string, 4*idPoolLowWaterMark)
	for i := range ids {
		ids[i] = fmt.Sprintf("reserved-%04d", i)
	}
	fsys.pool.Fill(ids)
	return fsys
}
