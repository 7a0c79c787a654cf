package fs

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// changesStub scripts the two endpoints the change poller hits: the cursor
// bootstrap and the changes.list feed itself.
type changesStub struct {
	token   string
	changes []map[string]interface{}
	listed  int
}

func (s *changesStub) roundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Path {
	case "/drive/v3/changes/startPageToken":
		return JSONResponse(200, map[string]interface{}{"startPageToken": s.token}), nil
	case "/drive/v3/changes":
		s.listed++
		return JSONResponse(200, map[string]interface{}{
			"changes":           s.changes,
			"newStartPageToken": s.token,
		}), nil
	}
	return ErrorResponse(404, 404, "unexpected request: "+req.URL.Path), nil
}

func seedChild(t *testing.T, f *Filesystem, name, id string, kind LinkKind) *Node {
	t.Helper()
	isDir := kind == LinkDirectory
	mode := uint32(0644)
	if isDir {
		mode = 0755
	}
	node := NewChildNode(name, f.Tree().Root(), NewEntry(id, isDir, mode, 1000, 1000), kind)
	require.NoError(t, f.Tree().Root().InsertChild(node))
	f.Tree().IndexInsert(node)
	return node
}

func TestApplyChangesFirstPollOnlyEstablishesCursor(t *testing.T) {
	t.Parallel()
	stub := &changesStub{token: "t0"}
	f := NewTestFilesystem(stub.roundTrip, "root-id")

	f.pollOnce(context.Background())
	assert.Equal(t, 0, stub.listed, "the first poll must not read the feed")

	f.pollOnce(context.Background())
	assert.Equal(t, 1, stub.listed)
}

func TestApplyChangesPrunesRemovedNodes(t *testing.T) {
	t.Parallel()
	stub := &changesStub{
		token:   "t1",
		changes: []map[string]interface{}{{"fileId": "gone-id", "removed": true}},
	}
	f := NewTestFilesystem(stub.roundTrip, "root-id")
	seedChild(t, f, "a.txt", "gone-id", LinkRegular)
	f.Remote().rootStartToken = "t0"

	f.pollOnce(context.Background())

	assert.Nil(t, f.Tree().Root().Child("a.txt"))
	assert.Empty(t, f.Tree().NodesByRemoteID("gone-id"))
	assert.False(t, f.Cache().Contains("gone-id"))
	assert.Equal(t, "t1", f.Remote().rootStartToken, "cursor must advance past the applied page")
}

func TestApplyChangesTreatsTrashedAsRemoved(t *testing.T) {
	t.Parallel()
	stub := &changesStub{
		token: "t1",
		changes: []map[string]interface{}{{
			"fileId": "bin-id",
			"file":   map[string]interface{}{"id": "bin-id", "name": "a.txt", "mimeType": "text/plain", "trashed": true},
		}},
	}
	f := NewTestFilesystem(stub.roundTrip, "root-id")
	node := seedChild(t, f, "a.txt", "bin-id", LinkRegular)
	f.Remote().rootStartToken = "t0"

	f.pollOnce(context.Background())

	assert.Nil(t, f.Tree().Root().Child("a.txt"))
	assert.True(t, node.Entry().Trashed())
}

func TestApplyChangesSkipsGuardedEntries(t *testing.T) {
	t.Parallel()
	stub := &changesStub{
		token:   "t1",
		changes: []map[string]interface{}{{"fileId": "open-id", "removed": true}},
	}
	f := NewTestFilesystem(stub.roundTrip, "root-id")
	node := seedChild(t, f, "busy.txt", "open-id", LinkRegular)
	node.Entry().Open()
	f.Remote().rootStartToken = "t0"

	f.pollOnce(context.Background())
	assert.NotNil(t, f.Tree().Root().Child("busy.txt"), "an open file must survive a removal change")
}

func TestApplyChangesMarksChangedDirectoryStale(t *testing.T) {
	t.Parallel()
	stub := &changesStub{
		token: "t1",
		changes: []map[string]interface{}{{
			"fileId": "dir-id",
			"file": map[string]interface{}{
				"id": "dir-id", "name": "docs",
				"mimeType":     "application/vnd.google-apps.folder",
				"modifiedTime": "2024-01-02T03:04:05Z",
			},
		}},
	}
	f := NewTestFilesystem(stub.roundTrip, "root-id")
	dir := seedChild(t, f, "docs", "dir-id", LinkDirectory)
	f.Remote().rootStartToken = "t0"

	f.pollOnce(context.Background())
	assert.True(t, dir.Entry().PendingGet(), "a changed directory must be flagged for relisting")
}

func TestApplyChangesRefreshesKnownFileMetadata(t *testing.T) {
	t.Parallel()
	stub := &changesStub{
		token: "t1",
		changes: []map[string]interface{}{{
			"fileId": "f-id",
			"file": map[string]interface{}{
				"id": "f-id", "name": "a.txt", "mimeType": "text/plain",
				"size": "42", "md5Checksum": "abc123",
				"modifiedTime": "2024-01-02T03:04:05Z",
			},
		}},
	}
	f := NewTestFilesystem(stub.roundTrip, "root-id")
	node := seedChild(t, f, "a.txt", "f-id", LinkRegular)
	f.Remote().rootStartToken = "t0"

	f.pollOnce(context.Background())
	assert.EqualValues(t, 42, node.Entry().Size())
	assert.Equal(t, "abc123", node.Entry().MD5Checksum())
	assert.Equal(t, parseRFC3339Unix("2024-01-02T03:04:05Z"), node.Entry().MTime())
}

func TestApplyChangesFlagsParentOfUnknownChild(t *testing.T) {
	t.Parallel()
	stub := &changesStub{
		token: "t1",
		changes: []map[string]interface{}{{
			"fileId": "new-id",
			"file": map[string]interface{}{
				"id": "new-id", "name": "fresh.txt", "mimeType": "text/plain",
				"parents": []string{"root-id"},
			},
		}},
	}
	f := NewTestFilesystem(stub.roundTrip, "root-id")
	f.Remote().rootStartToken = "t0"

	f.pollOnce(context.Background())
	assert.True(t, f.Tree().Root().Entry().PendingGet(),
		"a change to an unlisted child must flag its parent for relisting")
}

func TestDeltaLoopStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	stub := &changesStub{token: "same-token"}
	f := NewTestFilesystem(stub.roundTrip, "root-id")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.DeltaLoop(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DeltaLoop did not stop after context cancellation")
	}
}
