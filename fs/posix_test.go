package fs

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unexpectedRoundTrip(t *testing.T) RoundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected network call: %s %s", req.Method, req.URL)
		return nil, nil
	}
}

func newTestFS(t *testing.T) *Filesystem {
	t.Helper()
	return NewTestFilesystem(unexpectedRoundTrip(t), "root-id")
}

func TestCreateMkdirAndReaddir(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	ctx := context.Background()

	dir, err := f.Mkdir(ctx, "/docs", 0755, 1000, 1000)
	require.NoError(t, err)
	assert.True(t, dir.IsDir())
	assert.True(t, dir.Entry().PendingCreate())
	require.Equal(t, 1, f.Queue().Len())

	file, err := f.Create(ctx, "/docs/report.txt", 0644, 1000, 1000)
	require.NoError(t, err)
	assert.True(t, file.Entry().FileOpen())

	entries, err := f.Readdir(ctx, "/docs", 1000, 1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.txt", entries[0].Name)
}

func TestGetAttrMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	// A missing child triggers a refresh-via-remote retry (spec.md §4.1)
	// before resolve gives up, so the fake transport must answer instead of
	// failing the test.
	roundTrip := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return JSONResponse(200, map[string]interface{}{"files": []map[string]interface{}{}}), nil
	})
	f := NewTestFilesystem(roundTrip, "root-id")
	_, err := f.GetAttr(context.Background(), "/nope", 1000, 1000)
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindNotFound, fsErr.Kind)
}

func TestResolveRejectsOversizedComponent(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	longName := strings.Repeat("a", MaxFilenameLen+1)
	_, err := f.GetAttr(context.Background(), "/"+longName, 1000, 1000)
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindNameTooLong, fsErr.Kind)
}

func TestResolveRejectsOversizedPath(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	longPath := "/" + strings.Repeat("a/", MaxPathLen)
	_, err := f.GetAttr(context.Background(), longPath, 1000, 1000)
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindNameTooLong, fsErr.Kind)
}

func TestPermissionDeniedOnOwnerOnlyDirectory(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()

	sub := NewChildNode("private", root, NewEntry("dir-1", true, 0700, 1000, 1000), LinkDirectory)
	require.NoError(t, root.InsertChild(sub))
	f.Tree().IndexInsert(sub)

	// Traversal only checks execute permission on the directories being
	// walked through (here, root, which is wide open); Access checks the
	// resolved target's own mode.
	err := f.Access(context.Background(), "/private", AccessRead, 2000, 2000)
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindPermission, fsErr.Kind)
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	ctx := context.Background()

	file, err := f.Create(ctx, "/note.txt", 0644, 1000, 1000)
	require.NoError(t, err)

	n, err := f.Write(ctx, file, 0, []byte("hello world"))
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.True(t, file.Entry().Write())
	assert.EqualValues(t, 11, file.Entry().Size())

	out, err := f.Read(ctx, file, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestTruncateShrinksCachedContent(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	ctx := context.Background()
	file, err := f.Create(ctx, "/note.txt", 0644, 1000, 1000)
	require.NoError(t, err)
	_, err = f.Write(ctx, file, 0, []byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, f.Truncate(ctx, "/note.txt", 5, 1000, 1000))
	assert.EqualValues(t, 5, file.Entry().Size())

	out, err := f.Read(ctx, file, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestUnlinkSyncedFileEnqueuesDelete(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()
	node := NewChildNode("old.txt", root, NewEntry("real-id", false, 0644, 1000, 1000), LinkRegular)
	require.NoError(t, root.InsertChild(node))
	f.Tree().IndexInsert(node)

	require.NoError(t, f.Unlink(context.Background(), "/old.txt", 1000, 1000))
	assert.Nil(t, root.Child("old.txt"))
	assert.Empty(t, f.Tree().NodesByRemoteID("real-id"))
	require.Equal(t, 1, f.Queue().Len())
}

func TestUnlinkSentinelFileSkipsRemoteDelete(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()
	node := NewChildNode("fresh.txt", root, NewEntry("", false, 0644, 1000, 1000), LinkRegular)
	require.NoError(t, root.InsertChild(node))

	require.NoError(t, f.Unlink(context.Background(), "/fresh.txt", 1000, 1000))
	assert.Equal(t, 0, f.Queue().Len())
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()
	dir := NewChildNode("docs", root, NewEntry("dir-1", true, 0755, 1000, 1000), LinkDirectory)
	require.NoError(t, root.InsertChild(dir))
	inner := NewChildNode("a.txt", dir, NewEntry("f1", false, 0644, 1000, 1000), LinkRegular)
	require.NoError(t, dir.InsertChild(inner))

	err := f.Rmdir(context.Background(), "/docs", 1000, 1000)
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindNotEmpty, fsErr.Kind)
}

func TestLinkSharesEntryAcrossTwoNodes(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()
	entry := NewEntry("shared-id", false, 0644, 1000, 1000)
	n1 := NewChildNode("a.txt", root, entry, LinkRegular)
	require.NoError(t, root.InsertChild(n1))
	f.Tree().IndexInsert(n1)

	n2, err := f.Link(context.Background(), "/a.txt", "/b.txt", 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, entry, n2.Entry())
	assert.Equal(t, 2, entry.RefCount())
	assert.Len(t, f.Tree().NodesByRemoteID("shared-id"), 2)
}

func TestRenameDotPrefixRekeysOntoReplacedTarget(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()

	tmp := NewChildNode(".save.tmp", root, NewEntry("tmp-id", false, 0644, 1000, 1000), LinkRegular)
	require.NoError(t, root.InsertChild(tmp))
	f.Tree().IndexInsert(tmp)
	f.Cache().Get("tmp-id", false).Put([]byte("new content"), 0, 10)

	target := NewChildNode("save.txt", root, NewEntry("target-id", false, 0644, 1000, 1000), LinkRegular)
	require.NoError(t, root.InsertChild(target))
	f.Tree().IndexInsert(target)

	require.NoError(t, f.Rename(context.Background(), "/.save.tmp", "/save.txt", 1000, 1000))

	moved := root.Child("save.txt")
	require.NotNil(t, moved)
	assert.Equal(t, "target-id", moved.Entry().FileID)
	assert.True(t, moved.Entry().Write())
	assert.Empty(t, f.Tree().NodesByRemoteID("tmp-id"))
	assert.True(t, f.Cache().Contains("target-id"))
	require.Equal(t, 1, f.Queue().Len())
}

func TestRenamePlainMoveEnqueuesUpdate(t *testing.T) {
	t.Parallel()
	f := newTestFS(t)
	root := f.Tree().Root()

	dir, err := f.Mkdir(context.Background(), "/archive", 0755, 1000, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, f.Queue().Len())

	file := NewChildNode("note.txt", root, NewEntry("note-id", false, 0644, 1000, 1000), LinkRegular)
	require.NoError(t, root.InsertChild(file))
	f.Tree().IndexInsert(file)

	require.NoError(t, f.Rename(context.Background(), "/note.txt", "/archive/note.txt", 1000, 1000))
	moved := dir.Child("note.txt")
	require.NotNil(t, moved)
	assert.Equal(t, "note-id", moved.Entry().FileID)
	require.Equal(t, 2, f.Queue().Len())
}
