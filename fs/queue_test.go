package fs

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(name string) *Node {
	return NewChildNode(name, nil, NewEntry("f1", false, 0644, 0, 0), LinkRegular)
}

func TestBuildRequestEnqueuesWhenNoPending(t *testing.T) {
	t.Parallel()
	q := NewQueue(1, func(*RequestItem) (bool, error) { return false, nil })
	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqGet, Node: newTestNode("a.txt")})
	assert.Equal(t, 1, q.Len())
}

func TestBuildRequestDropsHiddenFiles(t *testing.T) {
	t.Parallel()
	q := NewQueue(1, func(*RequestItem) (bool, error) { return false, nil })
	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqUpdate, Node: newTestNode(".hidden")})
	assert.Equal(t, 0, q.Len())
}

func TestMergeTableGetDropsAgainstAnyPending(t *testing.T) {
	t.Parallel()
	for _, pending := range []RequestType{ReqGet, ReqInsert, ReqUpdate, ReqDelete, ReqUpload} {
		assert.Equal(t, mergeDropNew, resolveMerge(ReqGet, pending))
	}
}

func TestMergeTableInsertOverDeleteCancelsAndReplaces(t *testing.T) {
	t.Parallel()
	assert.Equal(t, mergeReplacePendingWithNew, resolveMerge(ReqInsert, ReqDelete))
}

func TestMergeTableDeleteOverInsertRemovesBoth(t *testing.T) {
	t.Parallel()
	assert.Equal(t, mergeRemoveBothDropNew, resolveMerge(ReqDelete, ReqInsert))
}

func TestMergeTableUploadAppendsExceptOverDelete(t *testing.T) {
	t.Parallel()
	assert.Equal(t, mergeDropNew, resolveMerge(ReqUpload, ReqDelete))
	assert.Equal(t, mergeAppendNew, resolveMerge(ReqUpload, ReqGet))
	assert.Equal(t, mergeAppendNew, resolveMerge(ReqUpload, ReqInsert))
	assert.Equal(t, mergeAppendNew, resolveMerge(ReqUpload, ReqUpdate))
	assert.Equal(t, mergeAppendNew, resolveMerge(ReqUpload, ReqUpload))
}

func TestMergeTableUpdateOverUpdateMergesBodies(t *testing.T) {
	t.Parallel()
	assert.Equal(t, mergeIntoPendingBody, resolveMerge(ReqUpdate, ReqUpdate))
	assert.Equal(t, mergeIntoPendingBody, resolveMerge(ReqUpdate, ReqInsert))
	assert.Equal(t, mergeIntoPendingBody, resolveMerge(ReqInsert, ReqUpdate))
}

func TestBuildRequestMergesUpdateBodiesNewWins(t *testing.T) {
	t.Parallel()
	q := NewQueue(1, func(*RequestItem) (bool, error) { return false, nil })
	q.BuildRequest(&RequestItem{
		FileID: "f1", Type: ReqUpdate, Node: newTestNode("a.txt"),
		Body: map[string]interface{}{"id": "f1", "name": "old.txt"},
	})
	q.BuildRequest(&RequestItem{
		FileID: "f1", Type: ReqUpdate, Node: newTestNode("a.txt"),
		Body: map[string]interface{}{"name": "new.txt"},
	})

	require.Equal(t, 1, q.Len())
	pending := q.findPending("f1")
	require.NotNil(t, pending)
	assert.Equal(t, "new.txt", pending.Body["name"])
	assert.Equal(t, "f1", pending.Body["id"])
}

func TestBuildRequestDeleteReplacesPendingUpdate(t *testing.T) {
	t.Parallel()
	q := NewQueue(1, func(*RequestItem) (bool, error) { return false, nil })
	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqUpdate, Node: newTestNode("a.txt")})
	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqDelete, Node: newTestNode("a.txt")})

	require.Equal(t, 1, q.Len())
	pending := q.findPending("f1")
	require.NotNil(t, pending)
	assert.Equal(t, ReqDelete, pending.Type)
}

func TestBuildRequestDeleteOverInsertDropsBothEntirely(t *testing.T) {
	t.Parallel()
	q := NewQueue(1, func(*RequestItem) (bool, error) { return false, nil })
	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqInsert, Node: newTestNode("a.txt")})
	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqDelete, Node: newTestNode("a.txt")})
	assert.Equal(t, 0, q.Len())
}

func TestWorkerPoolDrainsAndRetriesOnRetryableFailure(t *testing.T) {
	t.Parallel()
	var calls int32
	var mu sync.Mutex
	seen := map[string]int{}

	dispatch := func(item *RequestItem) (bool, error) {
		n := atomic.AddInt32(&calls, 1)
		mu.Lock()
		seen[item.FileID]++
		mu.Unlock()
		if n == 1 {
			return true, nil // first call retries
		}
		return false, nil
	}

	q := NewQueue(2, dispatch)
	q.Start()
	defer q.Stop()

	q.BuildRequest(&RequestItem{FileID: "f1", Type: ReqGet, Node: newTestNode("a.txt")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["f1"] >= 2
	}, 3*time.Second, 10*time.Millisecond)
}
