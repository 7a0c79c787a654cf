package fs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	drive "google.golang.org/api/drive/v3"

	"github.com/drivefs/gdfs/internal/driveapi"
)

// driveFolderMime is the MIME type Drive uses for folders.
const driveFolderMime = "application/vnd.google-apps.folder"

// idPoolLowWaterMark triggers an asynchronous refill once the pool shrinks
// to this size (spec.md §9's GENERATE_ID Open Question resolution).
const idPoolLowWaterMark = 100

// idPoolRefillSize is how many ids GenerateIDs requests per refill.
const idPoolRefillSize = 1000

// maxInsertGraceAttempts bounds the post-INSERT grace period at a discrete
// retry count rather than a wall-clock window (spec.md §4.3: "remote 404
// during the post-INSERT grace period (bounded to 5 attempts)"), matching
// original_source/lib/threadpool.cc's send_insert_req, which retries a 404
// only while its own local counter stays below 5.
const maxInsertGraceAttempts = 5

// IDPool is the shared pool of server-issued identifiers used to mint
// sentinel-free ids ahead of time, matching spec.md §4.3's GENERATE_ID
// dispatch. Pop blocks until an id is available rather than synchronously
// calling the remote inline (SPEC_FULL.md §9 resolution).
type IDPool struct {
	mutex sync.Mutex
	cond  *sync.Cond
	ids   []string
	queue *Queue
	url   string
}

// NewIDPool constructs a pool that replenishes itself through queue by
// enqueuing GENERATE_ID requests against url.
func NewIDPool(queue *Queue, url string) *IDPool {
	p := &IDPool{queue: queue, url: url}
	p.cond = sync.NewCond(&p.mutex)
	return p
}

// Pop removes and returns one id, blocking if the pool is currently empty.
// It triggers a refill whenever the remaining count drops to the low-water
// mark.
func (p *IDPool) Pop() string {
	p.mutex.Lock()
	for len(p.ids) == 0 {
		p.mutex.Unlock()
		p.requestRefill()
		p.mutex.Lock()
		if len(p.ids) == 0 {
			p.cond.Wait()
		}
	}
	id := p.ids[0]
	p.ids = p.ids[1:]
	remaining := len(p.ids)
	p.mutex.Unlock()

	if remaining <= idPoolLowWaterMark {
		p.requestRefill()
	}
	return id
}

func (p *IDPool) requestRefill() {
	p.queue.BuildRequest(&RequestItem{
		Type: ReqGenerateID,
		URL:  p.url,
		Body: map[string]interface{}{"count": idPoolRefillSize},
	})
}

// Fill is called by the GENERATE_ID dispatch handler once new ids arrive.
func (p *IDPool) Fill(ids []string) {
	p.mutex.Lock()
	p.ids = append(p.ids, ids...)
	p.mutex.Unlock()
	p.cond.Broadcast()
}

// Len reports the pool's current size, for tests and metrics.
func (p *IDPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.ids)
}

// mimeInfo classifies a remote MIME type into the local is_dir/g_doc pair
// spec.md §4.5 describes ("Map remote MIME to (is_dir, g_doc)").
func mimeInfo(mime string) (isDir, gDoc bool) {
	if mime == driveFolderMime {
		return true, false
	}
	return false, isNativeDocMime(mime)
}

// displayName appends ".pdf" to native-document names, matching spec.md's
// "Native document names receive .pdf appended."
func displayName(remoteName string, gDoc bool) string {
	if gDoc {
		return remoteName + ".pdf"
	}
	return remoteName
}

// Remote is C7: the synchronization surface between the tree/cache and the
// Drive API, grounded on the teacher's fs/delta.go polling loop and
// fs/inode.go's refresh-on-GET logic, generalized to Drive v3 semantics.
type Remote struct {
	api   *driveapi.Client
	tree  *Tree
	cache *PageCache
	queue *Queue
	pool  *IDPool

	mutex            sync.Mutex
	rootStartToken   string
	dirModifiedTimes map[string]string // node path -> last observed parent mtime
	insertedFiles    map[string]bool   // fileID -> created by a completed INSERT
}

// NewRemote wires together the pieces C7 coordinates.
func NewRemote(api *driveapi.Client, tree *Tree, cache *PageCache, queue *Queue, pool *IDPool) *Remote {
	return &Remote{
		api:              api,
		tree:             tree,
		cache:            cache,
		queue:            queue,
		pool:             pool,
		dirModifiedTimes: make(map[string]string),
		insertedFiles:    make(map[string]bool),
	}
}

// MarkInserted records that fileID was just created by an INSERT, so a
// subsequent 404 against it is treated as eventual-consistency
// lag rather than a real failure, until maxInsertGraceAttempts is exhausted.
func (r *Remote) MarkInserted(fileID string) {
	r.mutex.Lock()
	r.insertedFiles[fileID] = true
	r.mutex.Unlock()
}

// InInsertGrace reports whether fileID was recently inserted and attempts is
// still within the spec's discrete 5-attempt bound (spec.md §4.3), rather
// than a wall-clock window.
func (r *Remote) InInsertGrace(fileID string, attempts int) bool {
	r.mutex.Lock()
	inserted := r.insertedFiles[fileID]
	r.mutex.Unlock()
	return inserted && attempts <= maxInsertGraceAttempts
}

// GetChildren implements spec.md §4.5's directory listing and change
// detection. It mutates dir's Node tree in place. A failed change check or
// listing request is returned as an error, leaving the cached tree as-is (a
// listing failure does not destroy local state).
func (r *Remote) GetChildren(ctx context.Context, dir *Node) error {
	modified, err := r.isModified(ctx, dir)
	if err != nil {
		return err
	}
	if !modified && !dir.Entry().PendingGet() {
		return nil
	}

	observed := make(map[string]bool)
	pageToken := ""
	for {
		list, err := r.api.ListChildren(ctx, dir.Entry().FileID, pageToken)
		if err != nil {
			return err
		}
		for _, rf := range list.Files {
			r.ingestChild(dir, rf, observed)
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	r.pruneMissingChildren(dir, observed)
	dir.Entry().SetPendingGet(false)
	return nil
}

func (r *Remote) isModified(ctx context.Context, dir *Node) (bool, error) {
	if dir.Parent() == nil {
		token, err := r.api.StartPageToken(ctx)
		if err != nil {
			return false, err
		}
		r.mutex.Lock()
		changed := token != r.rootStartToken
		r.rootStartToken = token
		r.mutex.Unlock()
		return changed, nil
	}

	if len(dir.Children()) == 0 {
		return true, nil
	}

	mtime, err := r.api.GetModifiedTime(ctx, dir.Entry().FileID)
	if err != nil {
		return false, err
	}
	path := dir.Path()
	r.mutex.Lock()
	last := r.dirModifiedTimes[path]
	r.dirModifiedTimes[path] = mtime
	r.mutex.Unlock()
	return mtime != last, nil
}

func (r *Remote) ingestChild(dir *Node, rf *drive.File, observed map[string]bool) {
	observed[rf.Id] = true
	isDir, gDoc := mimeInfo(rf.MimeType)

	existingNodes := r.tree.NodesByRemoteID(rf.Id)
	if len(existingNodes) > 0 {
		r.refreshExistingChild(dir, existingNodes[0], rf, isDir, gDoc)
		return
	}

	name := ResolveIncomingName(displayName(rf.Name, gDoc), isDir, func(n string) bool {
		return dir.Child(n) != nil
	})

	entry := NewEntry(rf.Id, isDir, modeForChild(isDir), dir.Entry().UID(), dir.Entry().GID())
	entry.SetMimeType(rf.MimeType)
	entry.SetMD5Checksum(rf.Md5Checksum)
	entry.SetSize(uint64(rf.Size))
	entry.Refresh()

	kind := LinkRegular
	if isDir {
		kind = LinkDirectory
	}
	node := NewChildNode(name, dir, entry, kind)
	if err := dir.InsertChild(node); err != nil {
		log.Warn().Err(err).Str("name", name).Msg("failed to insert listed child")
		return
	}
	r.tree.IndexInsert(node)

	if gDoc {
		r.queue.BuildRequest(&RequestItem{FileID: rf.Id, Type: ReqGet, Node: node})
	}
}

func (r *Remote) refreshExistingChild(dir, node *Node, rf *drive.File, isDir, gDoc bool) {
	entry := node.Entry()
	if entry.Dirty() {
		return
	}
	if entry.Write() {
		return
	}

	if !gDoc {
		entry.SetSize(uint64(rf.Size))
	}
	entry.SetATime(time.Now().Unix())

	remoteName := displayName(rf.Name, gDoc)
	if node.Name() != remoteName && !IsHistoricalSuffix(remoteName, node.Name()) && node.Entry().RefCount() <= 1 {
		newName := ResolveIncomingName(remoteName, isDir, func(n string) bool {
			return dir.Child(n) != nil
		})
		if newName != node.Name() {
			dir.RemoveChild(node.Name())
			node.SetName(newName)
			dir.InsertChild(node)
		}
	}
}

func (r *Remote) pruneMissingChildren(dir *Node, observed map[string]bool) {
	for _, child := range dir.Children() {
		id := child.Entry().FileID
		if observed[id] {
			continue
		}
		if IsSentinelID(id) || child.Entry().FileOpen() || child.Entry().Dirty() || child.Entry().PendingCreate() {
			continue
		}
		r.deleteSubtreeLocal(dir, child)
	}
}

// deleteSubtreeLocal recursively tears down a node and its descendants
// in-memory only, with no remote call, since the server already lost it
// (spec.md §4.5's missing-child cleanup).
func (r *Remote) deleteSubtreeLocal(parent *Node, node *Node) {
	for _, child := range node.Children() {
		r.deleteSubtreeLocal(node, child)
	}
	parent.RemoveChild(node.Name())
	r.tree.IndexRemove(node)
	r.cache.Remove(node.Entry().FileID)
	node.Entry().DecRef()
}

func modeForChild(isDir bool) uint32 {
	if isDir {
		return 0755
	}
	return 0644
}

// Dispatch is the Queue.Dispatcher implementation tying C6's request types
// to Drive v3 calls (spec.md §4.3's dispatch semantics table). It matches
// the Dispatcher function type exactly so it can be passed straight to
// NewQueue; each call gets its own background context since the queue
// doesn't thread one through per item.
func (r *Remote) Dispatch(item *RequestItem) (retry bool, err error) {
	ctx := context.Background()
	switch item.Type {
	case ReqGet:
		return r.dispatchGet(ctx, item)
	case ReqInsert:
		return r.dispatchInsert(ctx, item)
	case ReqUpdate:
		return r.dispatchUpdate(ctx, item)
	case ReqDelete:
		return r.dispatchDelete(ctx, item)
	case ReqGenerateID:
		return r.dispatchGenerateID(ctx, item)
	case ReqUpload:
		// UPLOAD items are driven by Uploader.Run directly rather than the
		// generic dispatcher, since a single upload spans many PUTs; the
		// queue only needs to know the chunk is in flight.
		return false, nil
	}
	return false, nil
}

// asRetryable classifies err against spec.md §7's retry table for item (used
// to check the post-INSERT grace window against item's own attempt count).
func (r *Remote) asRetryable(err error, item *RequestItem) bool {
	apiErr, ok := err.(*driveapi.APIError)
	if !ok {
		return false
	}
	re := NewRemoteError(apiErr.StatusCode, apiErr.Code, apiErr.Message)
	return re.Retryable(r.InInsertGrace(item.FileID, item.attempts))
}

func (r *Remote) dispatchGet(ctx context.Context, item *RequestItem) (bool, error) {
	rf, err := r.api.GetFile(ctx, item.FileID)
	if err != nil {
		return r.asRetryable(err, item), err
	}
	if item.Node == nil {
		return false, nil
	}
	entry := item.Node.Entry()
	isDir, gDoc := mimeInfo(rf.MimeType)
	entry.SetSize(uint64(rf.Size))
	entry.Refresh()

	oldMtime := entry.MTime()
	newMtime := parseRFC3339Unix(rf.ModifiedTime)
	entry.SetMTime(newMtime)

	remoteName := displayName(rf.Name, gDoc)
	if item.Node.Name() != remoteName && !IsHistoricalSuffix(remoteName, item.Node.Name()) {
		parent := item.Node.Parent()
		if parent != nil {
			newName := ResolveIncomingName(remoteName, isDir, func(n string) bool { return parent.Child(n) != nil })
			parent.RemoveChild(item.Node.Name())
			item.Node.SetName(newName)
			parent.InsertChild(item.Node)
		}
	}

	if gDoc && newMtime > oldMtime {
		file := r.cache.Get(entry.FileID, true)
		file.Invalidate()
	}
	return false, nil
}

func (r *Remote) dispatchInsert(ctx context.Context, item *RequestItem) (bool, error) {
	rf, err := r.api.InsertFile(ctx, item.Body)
	if err != nil {
		return r.asRetryable(err, item), err
	}
	if item.Node != nil {
		entry := item.Node.Entry()
		// The id was reserved from the pool and sent in the body, so the
		// response normally echoes it back; if the server minted a different
		// one anyway, rekey the index and cache to match.
		if rf.Id != "" && rf.Id != entry.FileID {
			oldID := entry.FileID
			entry.FileID = rf.Id
			r.tree.IndexReplace(item.Node, oldID, rf.Id)
			r.cache.Rekey(oldID, rf.Id)
		}
		entry.SetPendingCreate(false)
		entry.SetMTime(parseRFC3339Unix(rf.ModifiedTime))
		r.MarkInserted(entry.FileID)
	}
	return false, nil
}

func (r *Remote) dispatchUpdate(ctx context.Context, item *RequestItem) (bool, error) {
	rf, err := r.api.UpdateFile(ctx, item.FileID, item.Body)
	if err != nil {
		return r.asRetryable(err, item), err
	}
	if item.Node != nil {
		item.Node.Entry().SetMTime(parseRFC3339Unix(rf.ModifiedTime))
	}
	return false, nil
}

func (r *Remote) dispatchDelete(ctx context.Context, item *RequestItem) (bool, error) {
	err := r.api.DeleteFile(ctx, item.FileID)
	if err != nil {
		return r.asRetryable(err, item), err
	}
	if item.Node != nil {
		r.tree.IndexRemove(item.Node)
		r.cache.Remove(item.FileID)
		if parent := item.Node.Parent(); parent != nil {
			parent.RemoveChild(item.Node.Name())
		}
	}
	return false, nil
}

func (r *Remote) dispatchGenerateID(ctx context.Context, item *RequestItem) (bool, error) {
	count := idPoolRefillSize
	if c, ok := item.Body["count"].(int); ok {
		count = c
	}
	ids, err := r.api.GenerateIDs(ctx, count)
	if err != nil {
		return r.asRetryable(err, item), err
	}
	r.pool.Fill(ids)
	return false, nil
}

// parseRFC3339Unix parses a Drive RFC3339 timestamp into unix seconds,
// returning 0 on a parse failure rather than panicking — a malformed
// timestamp shouldn't crash the poller.
func parseRFC3339Unix(value string) int64 {
	t, err := parseTimeRFC3339(value)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func parseTimeRFC3339(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}
