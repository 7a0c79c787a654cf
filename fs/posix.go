package fs

import (
	"context"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drivefs/gdfs/internal/driveapi"
)

// MaxFilenameLen and MaxPathLen are spec.md §6's tunable boundaries: a path
// component over MaxFilenameLen bytes, or a whole path over MaxPathLen
// bytes, fails resolution with ENAMETOOLONG (spec.md §8's boundary
// behaviors).
const (
	MaxFilenameLen = 255
	MaxPathLen     = 4096
)

// Attr is the POSIX-visible metadata for one Node, handed to the FUSE
// binding to fill in its own attribute struct.
type Attr struct {
	FileID string
	Kind   LinkKind
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   uint64
	ATime  int64
	MTime  int64
	CTime  int64
	Nlink  uint32
	Rdev   uint32
}

// DirEntry is one entry of a Readdir listing.
type DirEntry struct {
	Name string
	Kind LinkKind
	Mode uint32
}

// AttrForNode exposes attrFromNode's projection to the FUSE binding, which
// needs it right after Create/Mkdir/Symlink/Link/Mknod return a freshly
// built Node, without re-resolving the path those calls already walked.
func AttrForNode(n *Node) *Attr {
	return attrFromNode(n)
}

func attrFromNode(n *Node) *Attr {
	e := n.Entry()
	size := e.Size()
	if n.Kind() == LinkSymlink {
		size = uint64(len(n.SymlinkTarget()))
	}
	return &Attr{
		FileID: e.FileID,
		Kind:   n.Kind(),
		Mode:   e.Mode(),
		UID:    e.UID(),
		GID:    e.GID(),
		Size:   size,
		ATime:  e.ATime(),
		MTime:  e.MTime(),
		CTime:  e.CTime(),
		Nlink:  uint32(e.RefCount()),
		Rdev:   n.Rdev(),
	}
}

// resolve walks path from the root, enforcing spec.md §4.1's path-resolution
// algorithm: per-component length and execute-permission checks, a
// refresh-via-C7 retry on a missing child, dirty nodes treated as absent, and
// a best-effort metadata/listing refresh once the final component is
// reached. Tree.Resolve stays a pure in-memory lookup; this is the richer
// wrapper spec.md's description actually calls for.
func (f *Filesystem) resolve(ctx context.Context, path string, uid, gid uint32) (*Node, error) {
	if len(path) > MaxPathLen {
		return nil, NameTooLongError("path exceeds " + strconv.Itoa(MaxPathLen) + " bytes")
	}
	trimmed := strings.Trim(path, "/")
	cur := f.tree.Root()
	if trimmed == "" {
		return cur, nil
	}

	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if len(part) > MaxFilenameLen {
			return nil, NameTooLongError("path component exceeds " + strconv.Itoa(MaxFilenameLen) + " bytes: " + part)
		}
		if !cur.IsDir() {
			return nil, NotDirectoryError("not a directory: " + cur.Path())
		}
		curEntry := cur.Entry()
		if !CheckPermission(curEntry.Mode(), curEntry.UID(), curEntry.GID(), uid, gid, AccessExecute) {
			return nil, PermissionError("no execute permission: " + cur.Path())
		}

		child := cur.Child(part)
		if child == nil && f.remote != nil {
			_ = f.remote.GetChildren(ctx, cur)
			child = cur.Child(part)
		}
		if child == nil {
			return nil, NotFoundError("no such entry: " + part)
		}
		if child.Entry().Dirty() {
			return nil, NotFoundError("pending delete: " + part)
		}

		last := i == len(parts)-1
		if last {
			f.refreshOnResolve(ctx, child)
		}
		cur = child
	}
	return cur, nil
}

// refreshOnResolve implements spec.md §4.1's final-component behavior: a
// stale directory listing triggers a blocking C7 listing, while a regular
// file triggers a best-effort metadata GET that is enqueued rather than
// awaited so resolve itself never blocks on it.
func (f *Filesystem) refreshOnResolve(ctx context.Context, node *Node) {
	entry := node.Entry()
	if node.IsDir() {
		if entry.PendingGet() && f.remote != nil {
			_ = f.remote.GetChildren(ctx, node)
		}
		return
	}
	if entry.IsSentinel() || entry.Write() || entry.FileOpen() {
		return
	}
	if f.queue != nil {
		f.queue.BuildRequest(&RequestItem{FileID: entry.FileID, Type: ReqGet, Node: node})
	}
}

// resolveParent resolves the parent directory of path and validates the
// final component's length, without requiring the final component itself to
// exist (used by every operation that creates or replaces a name).
func (f *Filesystem) resolveParent(ctx context.Context, path string, uid, gid uint32) (*Node, string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, "", ArgumentError("operation not valid on the mount root")
	}
	if len(path) > MaxPathLen {
		return nil, "", NameTooLongError("path exceeds " + strconv.Itoa(MaxPathLen) + " bytes")
	}

	idx := strings.LastIndex(trimmed, "/")
	parentPath, name := "", trimmed
	if idx >= 0 {
		parentPath, name = trimmed[:idx], trimmed[idx+1:]
	}
	if len(name) > MaxFilenameLen {
		return nil, "", NameTooLongError("path component exceeds " + strconv.Itoa(MaxFilenameLen) + " bytes: " + name)
	}

	parent, err := f.resolve(ctx, parentPath, uid, gid)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		return nil, "", NotDirectoryError("parent is not a directory: " + parentPath)
	}
	return parent, name, nil
}

// GetAttr resolves path and returns its attributes.
func (f *Filesystem) GetAttr(ctx context.Context, path string, uid, gid uint32) (*Attr, error) {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	return attrFromNode(node), nil
}

// Access checks whether the caller has mask permission on path; mask of 0
// tests existence only (POSIX's F_OK).
func (f *Filesystem) Access(ctx context.Context, path string, mask uint32, uid, gid uint32) error {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	if mask == 0 {
		return nil
	}
	e := node.Entry()
	if !CheckPermission(e.Mode(), e.UID(), e.GID(), uid, gid, mask) {
		return PermissionError("access denied: " + path)
	}
	return nil
}

// Readlink returns a symlink's target payload.
func (f *Filesystem) Readlink(ctx context.Context, path string, uid, gid uint32) (string, error) {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return "", err
	}
	if node.Kind() != LinkSymlink {
		return "", InvalidOperationError("not a symlink: " + path)
	}
	return node.SymlinkTarget(), nil
}

// makeFile is the shared implementation behind Create and a regular-file
// Mknod: it builds the Entry under a server-issued id popped from the id
// pool and enqueues the INSERT that acknowledges the reservation, matching
// the original's make_file. Hidden names exist only locally and keep a
// sentinel id instead, so they never generate remote traffic.
func (f *Filesystem) makeFile(ctx context.Context, path string, mode uint32, uid, gid uint32) (*Node, error) {
	parent, name, err := f.resolveParent(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return nil, PermissionError("no write permission: " + path)
	}
	if parent.Child(name) != nil {
		return nil, ExistsError("already exists: " + path)
	}

	hidden := strings.HasPrefix(name, ".")
	fileID := ""
	if !hidden {
		fileID = f.pool.Pop()
	}
	entry := NewEntry(fileID, false, mode&07777, uid, gid)
	node := NewChildNode(name, parent, entry, LinkRegular)
	if err := parent.InsertChild(node); err != nil {
		return nil, err
	}
	f.tree.IndexInsert(node)
	f.cache.Get(entry.FileID, false)

	if !hidden {
		entry.SetPendingCreate(true)
		f.queue.BuildRequest(&RequestItem{
			FileID: entry.FileID,
			Type:   ReqInsert,
			Node:   node,
			Body: map[string]interface{}{
				"id":      entry.FileID,
				"name":    name,
				"parents": []string{parent.Entry().FileID},
			},
		})
	}
	return node, nil
}

// Create implements O_CREAT open: make_file, then mark the new node open.
func (f *Filesystem) Create(ctx context.Context, path string, mode uint32, uid, gid uint32) (*Node, error) {
	node, err := f.makeFile(ctx, path, mode, uid, gid)
	if err != nil {
		return nil, err
	}
	node.Entry().Open()
	return node, nil
}

// Mkdir creates a directory, delegating content-free INSERT dispatch the
// same way makeFile does for regular files.
func (f *Filesystem) Mkdir(ctx context.Context, path string, mode uint32, uid, gid uint32) (*Node, error) {
	parent, name, err := f.resolveParent(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return nil, PermissionError("no write permission: " + path)
	}
	if parent.Child(name) != nil {
		return nil, ExistsError("already exists: " + path)
	}

	hidden := strings.HasPrefix(name, ".")
	fileID := ""
	if !hidden {
		fileID = f.pool.Pop()
	}
	entry := NewEntry(fileID, true, mode&07777, uid, gid)
	node := NewChildNode(name, parent, entry, LinkDirectory)
	if err := parent.InsertChild(node); err != nil {
		return nil, err
	}
	f.tree.IndexInsert(node)

	if !hidden {
		entry.SetPendingCreate(true)
		f.queue.BuildRequest(&RequestItem{
			FileID: entry.FileID,
			Type:   ReqInsert,
			Node:   node,
			Body: map[string]interface{}{
				"id":       entry.FileID,
				"name":     name,
				"parents":  []string{parent.Entry().FileID},
				"mimeType": driveFolderMime,
			},
		})
	}
	return node, nil
}

// Mknod creates a non-regular node. Regular-file mknod (the shell's usual
// mode for "touch") delegates to makeFile; devices, FIFOs and sockets are
// local-only and never generate remote traffic, per spec.md's file-type
// table.
func (f *Filesystem) Mknod(ctx context.Context, path string, mode uint32, rdev uint32, uid, gid uint32) (*Node, error) {
	fileType := mode & syscall.S_IFMT
	if fileType == syscall.S_IFREG || fileType == 0 {
		return f.makeFile(ctx, path, mode&^uint32(syscall.S_IFMT), uid, gid)
	}

	var kind LinkKind
	switch fileType {
	case syscall.S_IFCHR, syscall.S_IFBLK:
		kind = LinkDevice
	case syscall.S_IFIFO:
		kind = LinkFIFO
	case syscall.S_IFSOCK:
		kind = LinkSocket
	default:
		return nil, InvalidOperationError("unsupported node type")
	}

	parent, name, err := f.resolveParent(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return nil, PermissionError("no write permission: " + path)
	}
	if parent.Child(name) != nil {
		return nil, ExistsError("already exists: " + path)
	}

	entry := NewEntry("", false, mode&^uint32(syscall.S_IFMT)&07777, uid, gid)
	node := NewChildNode(name, parent, entry, kind)
	node.SetRdev(rdev)
	if err := parent.InsertChild(node); err != nil {
		return nil, err
	}
	return node, nil
}

// Symlink creates a local-only symlink node; symlinks never generate remote
// traffic (spec.md's file-type table).
func (f *Filesystem) Symlink(ctx context.Context, target, path string, uid, gid uint32) (*Node, error) {
	parent, name, err := f.resolveParent(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return nil, PermissionError("no write permission: " + path)
	}
	if parent.Child(name) != nil {
		return nil, ExistsError("already exists: " + path)
	}

	entry := NewEntry("", false, 0777, uid, gid)
	entry.SetSize(uint64(len(target)))
	node := NewChildNode(name, parent, entry, LinkSymlink)
	node.SetSymlinkTarget(target)
	if err := parent.InsertChild(node); err != nil {
		return nil, err
	}
	return node, nil
}

// Unlink removes a non-directory name. The shared Entry is only torn down
// (cache dropped, DELETE enqueued) once its last hard link is gone.
func (f *Filesystem) Unlink(ctx context.Context, path string, uid, gid uint32) error {
	parent, name, err := f.resolveParent(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	node := parent.Child(name)
	if node == nil {
		return NotFoundError("no such file: " + path)
	}
	if node.IsDir() {
		return InvalidOperationError("is a directory: " + path)
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return PermissionError("no write permission: " + path)
	}

	parent.RemoveChild(name)
	entry := node.Entry()
	f.tree.IndexRemove(node)
	if entry.DecRef() > 0 {
		return nil
	}

	f.cache.Remove(entry.FileID)
	if entry.IsSentinel() {
		return nil
	}
	entry.SetDirty(true)
	f.queue.BuildRequest(&RequestItem{FileID: entry.FileID, Type: ReqDelete, Node: node})
	return nil
}

// Rmdir removes an empty directory.
func (f *Filesystem) Rmdir(ctx context.Context, path string, uid, gid uint32) error {
	parent, name, err := f.resolveParent(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	node := parent.Child(name)
	if node == nil {
		return NotFoundError("no such directory: " + path)
	}
	if !node.IsDir() {
		return NotDirectoryError("not a directory: " + path)
	}
	if node.childCount() > 0 {
		return NotEmptyError("directory not empty: " + path)
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return PermissionError("no write permission: " + path)
	}

	parent.RemoveChild(name)
	entry := node.Entry()
	f.tree.IndexRemove(node)
	f.cache.Remove(entry.FileID)
	entry.DecRef()

	if entry.IsSentinel() {
		return nil
	}
	entry.SetDirty(true)
	f.queue.BuildRequest(&RequestItem{FileID: entry.FileID, Type: ReqDelete, Node: node})
	return nil
}

// Link hard-links an existing regular file under a new name, sharing its
// Entry (spec.md §3's secondary remote-id index exists precisely for this).
func (f *Filesystem) Link(ctx context.Context, oldPath, newPath string, uid, gid uint32) (*Node, error) {
	oldNode, err := f.resolve(ctx, oldPath, uid, gid)
	if err != nil {
		return nil, err
	}
	if oldNode.IsDir() {
		return nil, InvalidOperationError("cannot hard-link a directory: " + oldPath)
	}

	parent, name, err := f.resolveParent(ctx, newPath, uid, gid)
	if err != nil {
		return nil, err
	}
	pe := parent.Entry()
	if !CheckPermission(pe.Mode(), pe.UID(), pe.GID(), uid, gid, AccessWrite) {
		return nil, PermissionError("no write permission: " + newPath)
	}
	if parent.Child(name) != nil {
		return nil, ExistsError("already exists: " + newPath)
	}

	entry := oldNode.Entry()
	entry.IncRef()
	node := NewChildNode(name, parent, entry, oldNode.Kind())
	if err := parent.InsertChild(node); err != nil {
		entry.DecRef()
		return nil, err
	}
	f.tree.IndexInsert(node)
	return node, nil
}

// Rename moves or replaces a name, implementing spec.md §4.7's rename rule
// including the dot-prefix rekey special case used by atomic-save idioms
// (write a .tmpfile, then rename it over the real name): the moved node
// takes over the replaced target's remote identity instead of getting a
// fresh INSERT.
func (f *Filesystem) Rename(ctx context.Context, oldPath, newPath string, uid, gid uint32) error {
	oldParent, oldName, err := f.resolveParent(ctx, oldPath, uid, gid)
	if err != nil {
		return err
	}
	srcNode := oldParent.Child(oldName)
	if srcNode == nil {
		return NotFoundError("rename source missing: " + oldPath)
	}

	newParent, newName, err := f.resolveParent(ctx, newPath, uid, gid)
	if err != nil {
		return err
	}

	ope, npe := oldParent.Entry(), newParent.Entry()
	if !CheckPermission(ope.Mode(), ope.UID(), ope.GID(), uid, gid, AccessWrite) {
		return PermissionError("no write permission: " + oldPath)
	}
	if !CheckPermission(npe.Mode(), npe.UID(), npe.GID(), uid, gid, AccessWrite) {
		return PermissionError("no write permission: " + newPath)
	}

	existing := newParent.Child(newName)
	replace := existing != nil

	moved, err := oldParent.RenameChild(oldName, newParent, newName, replace)
	if err != nil {
		return err
	}

	dotRekey := existing != nil && !existing.IsDir() &&
		strings.HasPrefix(oldName, ".") && !strings.HasPrefix(newName, ".")

	switch {
	case dotRekey:
		f.rekeyOnRename(moved, existing)
	case !moved.Entry().IsSentinel():
		f.queue.BuildRequest(&RequestItem{
			FileID: moved.Entry().FileID,
			Type:   ReqUpdate,
			Node:   moved,
			Body: map[string]interface{}{
				"name":    newName,
				"parents": []string{newParent.Entry().FileID},
			},
		})
	}

	if existing != nil && !dotRekey {
		f.tree.IndexRemove(existing)
		if existing.Entry().DecRef() <= 0 {
			f.cache.Remove(existing.Entry().FileID)
			if !existing.Entry().IsSentinel() {
				f.queue.BuildRequest(&RequestItem{FileID: existing.Entry().FileID, Type: ReqDelete})
			}
		}
	}
	return nil
}

// rekeyOnRename implements the dot-prefix replace case: delete the replaced
// target remotely, then reassign the moved node's Entry to the target's
// former id so the next Release uploads content under that identity instead
// of minting a new remote object.
func (f *Filesystem) rekeyOnRename(moved, existing *Node) {
	targetID := existing.Entry().FileID
	f.tree.IndexRemove(existing)
	existing.Entry().DecRef()

	oldID := moved.Entry().FileID
	if !IsSentinelID(oldID) {
		f.tree.IndexRemove(moved)
	}
	moved.Entry().FileID = targetID
	f.tree.IndexInsert(moved)
	f.cache.Rekey(oldID, targetID)
	moved.Entry().SetPendingCreate(false)
	moved.Entry().SetWrite(true)

	if !IsSentinelID(targetID) {
		f.queue.BuildRequest(&RequestItem{FileID: targetID, Type: ReqDelete})
	}
}

// Chmod changes a node's permission bits. Only the owner (or root) may do so.
func (f *Filesystem) Chmod(ctx context.Context, path string, mode uint32, uid, gid uint32) error {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	entry := node.Entry()
	if uid != 0 && uid != entry.UID() {
		return PermissionError("only the owner may chmod: " + path)
	}
	entry.SetMode(mode & 07777)
	return nil
}

// Chown changes a node's owner/group. newUID/newGID of -1 leave that field
// unchanged, matching chown(2)'s convention. Only root may call this.
func (f *Filesystem) Chown(ctx context.Context, path string, newUID, newGID int64, uid, gid uint32) error {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	if uid != 0 {
		return PermissionError("only root may chown: " + path)
	}
	entry := node.Entry()
	u, g := entry.UID(), entry.GID()
	if newUID >= 0 {
		u = uint32(newUID)
	}
	if newGID >= 0 {
		g = uint32(newGID)
	}
	entry.SetOwner(u, g)
	return nil
}

// Truncate resizes a regular file's content, dropping or zero-extending
// cached pages past the new size (spec.md §4.2.1 resize).
func (f *Filesystem) Truncate(ctx context.Context, path string, size uint64, uid, gid uint32) error {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	if node.IsDir() {
		return InvalidOperationError("cannot truncate a directory: " + path)
	}
	entry := node.Entry()
	if !CheckPermission(entry.Mode(), entry.UID(), entry.GID(), uid, gid, AccessWrite) {
		return PermissionError("no write permission: " + path)
	}

	file := f.cache.Get(entry.FileID, entry.GDoc())
	if oldSize := entry.Size(); size > oldSize {
		f.cache.AddBytes(file.Put(make([]byte, size-oldSize), oldSize, size-1))
	} else {
		f.cache.AddBytes(file.Resize(size))
	}
	entry.SetSize(size)
	entry.SetWrite(true)
	now := time.Now().Unix()
	entry.SetMTime(now)
	file.SetCachedMtime(now)
	return nil
}

// Utimens sets access/modification times. A negative value leaves that field
// unchanged (the FUSE layer's convention for "not specified").
func (f *Filesystem) Utimens(ctx context.Context, path string, atime, mtime int64, uid, gid uint32) error {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return err
	}
	entry := node.Entry()
	if uid != 0 && uid != entry.UID() {
		return PermissionError("only the owner may set times: " + path)
	}
	if atime >= 0 {
		entry.SetATime(atime)
	}
	if mtime >= 0 {
		entry.SetMTime(mtime)
		entry.SetWrite(true)
	}
	return nil
}

// Open resolves path and marks the node as having an open handle, failing if
// the caller lacks the permission the requested access mode needs.
func (f *Filesystem) Open(ctx context.Context, path string, write bool, uid, gid uint32) (*Node, error) {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	if node.IsDir() {
		return nil, InvalidOperationError("cannot open a directory for I/O: " + path)
	}
	want := uint32(AccessRead)
	if write {
		want = AccessWrite
	}
	entry := node.Entry()
	if !CheckPermission(entry.Mode(), entry.UID(), entry.GID(), uid, gid, want) {
		return nil, PermissionError("permission denied: " + path)
	}
	entry.Open()
	return node, nil
}

// fetchFunc builds the C5 FetchFunc for entry, downloading or exporting
// through C7's Drive client depending on whether the entry is a native
// document.
func (f *Filesystem) fetchFunc(entry *Entry) FetchFunc {
	return func(start, stop uint64) ([]byte, error) {
		if f.api == nil {
			return nil, IntegrityError("no remote client configured")
		}
		ctx := context.Background()
		if entry.GDoc() {
			return f.api.Export(ctx, entry.FileID, start, stop)
		}
		return f.api.Download(ctx, entry.FileID, start, stop)
	}
}

// copyPages assembles the bytes of [start, stop] out of a page list returned
// by File.Get/File.Pages, truncating the first and last page to the
// requested bounds (spec.md §4.2.2's read/write walk).
func copyPages(pages []*Page, start, stop uint64) []byte {
	out := make([]byte, 0, stop-start+1)
	for _, p := range pages {
		lo, hi := start, stop
		if p.Start() > lo {
			lo = p.Start()
		}
		if p.Stop() < hi {
			hi = p.Stop()
		}
		if lo > hi {
			continue
		}
		out = append(out, p.Bytes()[lo-p.Start():hi-p.Start()+1]...)
	}
	return out
}

// Read returns up to size bytes starting at offset, fetching any missing
// cache pages through fetchFunc (spec.md §4.2.2 get).
func (f *Filesystem) Read(ctx context.Context, node *Node, offset uint64, size uint32) ([]byte, error) {
	entry := node.Entry()
	fileSize := entry.Size()
	if offset >= fileSize || size == 0 {
		return nil, nil
	}
	stop := offset + uint64(size) - 1
	if stop >= fileSize {
		stop = fileSize - 1
	}

	file := f.cache.Get(entry.FileID, entry.GDoc())
	// Only a remote-driven mtime change invalidates cached pages; a file
	// with local edits pending (Write) is never stale against itself, and
	// invalidating it here would discard content Release hasn't flushed yet.
	if !entry.Write() && file.CachedMtime() != entry.MTime() {
		file.Invalidate()
		file.SetCachedMtime(entry.MTime())
	}

	pages, delta, err := file.Get(offset, stop, f.fetchFunc(entry))
	if err != nil {
		return nil, TransportError(err)
	}
	f.cache.AddBytes(delta)
	f.cache.Touch(entry.FileID)
	entry.SetATime(time.Now().Unix())
	return copyPages(pages, offset, stop), nil
}

// Write stores data at offset in the page cache and marks the entry dirty;
// content only reaches the remote once Release flushes it (spec.md §4.2.2
// put, §4.4).
func (f *Filesystem) Write(ctx context.Context, node *Node, offset uint64, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	entry := node.Entry()
	stop := offset + uint64(len(data)) - 1

	file := f.cache.Get(entry.FileID, entry.GDoc())
	f.cache.AddBytes(file.Put(data, offset, stop))
	f.cache.Touch(entry.FileID)

	if stop+1 > entry.Size() {
		entry.SetSize(stop + 1)
	}
	entry.SetWrite(true)
	now := time.Now().Unix()
	entry.SetMTime(now)
	// keep the page set validated against the local mtime bump, so the next
	// Read doesn't mistake our own write for a remote change and re-download.
	file.SetCachedMtime(now)
	return uint32(len(data)), nil
}

// uploadWaitTimeout bounds how long Release's flush waits for a still-
// pending INSERT to resolve a sentinel id before giving up.
const uploadWaitTimeout = 30 * time.Second

// Release drops one open handle and, once the last handle closes on a dirty
// file, uploads its content synchronously via the resumable-upload protocol
// (spec.md §4.7: "release: if write and file_size>0, call upload
// synchronously; clear flags"). The kernel's release(2) call blocks on this
// the same way original_source/lib/gdfs.cc's gdfs_release blocks on
// write_file, so the caller can observe success or failure before the
// syscall returns.
func (f *Filesystem) Release(ctx context.Context, node *Node) error {
	entry := node.Entry()
	if entry.Close() {
		return nil
	}
	if !entry.Write() {
		return nil
	}
	if entry.IsSentinel() {
		// local-only objects (hidden files, devices, symlinks) have no
		// remote mirror to flush.
		entry.SetWrite(false)
		return nil
	}
	if f.uploader == nil {
		log.Warn().Str("fileID", entry.FileID).Msg("no uploader configured, dropping pending write")
		entry.SetWrite(false)
		return nil
	}
	return f.flushWrite(ctx, node)
}

// flushWrite uploads node's current cached content. A freshly created file
// may still be waiting on its INSERT to be acknowledged; flushWrite waits
// (bounded by uploadWaitTimeout) rather than uploading under a reserved id
// the server hasn't confirmed yet. entry.Write() is cleared unconditionally
// once the attempt finishes, matching the original's unconditional flag
// clear after write_file returns, whether or not the upload succeeded.
func (f *Filesystem) flushWrite(ctx context.Context, node *Node) error {
	entry := node.Entry()
	defer entry.SetWrite(false)

	deadline := time.Now().Add(uploadWaitTimeout)
	for entry.PendingCreate() {
		if time.Now().After(deadline) {
			err := FatalError("timed out waiting for pending create before uploading content", nil)
			log.Warn().Str("name", node.Name()).Msg(err.Message)
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}

	fileID := entry.FileID
	size := entry.Size()

	sessionURL := driveapi.ResumableUploadSessionURL(fileID)
	session, err := f.uploader.InitSession(ctx, sessionURL, fileID, size)
	if err != nil {
		log.Error().Err(err).Str("fileID", fileID).Msg("failed to start upload session")
		return err
	}

	file := f.cache.Get(fileID, entry.GDoc())
	read := func(start, stop uint64) ([]byte, error) {
		pages, _, err := file.Get(start, stop, f.fetchFunc(entry))
		if err != nil {
			return nil, err
		}
		return copyPages(pages, start, stop), nil
	}

	if err := f.uploader.Run(ctx, session, read); err != nil {
		log.Error().Err(err).Str("fileID", fileID).Msg("content upload failed")
		return err
	}
	return nil
}

// Readdir lists path's children, refreshing a stale listing through C7 first.
func (f *Filesystem) Readdir(ctx context.Context, path string, uid, gid uint32) ([]DirEntry, error) {
	node, err := f.resolve(ctx, path, uid, gid)
	if err != nil {
		return nil, err
	}
	if !node.IsDir() {
		return nil, NotDirectoryError("not a directory: " + path)
	}
	entry := node.Entry()
	if !CheckPermission(entry.Mode(), entry.UID(), entry.GID(), uid, gid, AccessRead) {
		return nil, PermissionError("no read permission: " + path)
	}
	if entry.PendingGet() && f.remote != nil {
		_ = f.remote.GetChildren(ctx, node)
	}

	children := node.Children()
	out := make([]DirEntry, 0, len(children))
	for _, c := range children {
		if c.Entry().Dirty() {
			continue
		}
		out = append(out, DirEntry{Name: c.Name(), Kind: c.Kind(), Mode: c.Entry().Mode()})
	}
	return out, nil
}
