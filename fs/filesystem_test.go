package fs

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefs/gdfs/internal/driveapi"
)

func TestStatfsReportsQuotaCapturedAtMount(t *testing.T) {
	t.Parallel()
	roundTrip := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return JSONResponse(200, map[string]interface{}{
			"storageQuota": map[string]interface{}{
				"limit": "1000000",
				"usage": "400000",
			},
		}), nil
	})
	f := NewTestFilesystem(roundTrip, "root-id")

	require.NoError(t, f.RefreshQuota(context.Background(), f.API()))

	st := f.Statfs()
	assert.EqualValues(t, statfsBlockSize, st.BlockSize)
	assert.EqualValues(t, 1000000/statfsBlockSize, st.Blocks)
	assert.EqualValues(t, 600000/statfsBlockSize, st.BlocksFree)
	assert.EqualValues(t, MaxFilenameLen, st.NameLen)
}

func TestFilesystemStartStopDrainsWorkers(t *testing.T) {
	t.Parallel()
	f := NewTestFilesystem(RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected network call: %s %s", req.Method, req.URL)
		return nil, nil
	}), "root-id")
	f.Start()
	time.Sleep(10 * time.Millisecond)
	f.Stop()
}

func TestNewFilesystemWiresRemoteThroughToQueue(t *testing.T) {
	t.Parallel()
	roundTrip := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return JSONResponse(200, map[string]interface{}{"ids": []string{"id-1", "id-2"}}), nil
	})
	// Built directly rather than via NewTestFilesystem so the id pool starts
	// empty and Pop has to drive a GENERATE_ID through the live worker pool,
	// the same path a mounted filesystem's first create takes.
	cfg := DefaultConfig(1000, 1000)
	cfg.WorkerCount = 2
	f := NewFilesystem(driveapi.NewClient(&http.Client{Transport: roundTrip}), nil, "root-id", cfg)
	f.Start()
	defer f.Stop()

	id := f.pool.Pop()
	assert.Contains(t, []string{"id-1", "id-2"}, id)
}
