package fuseadapter

import (
	"context"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/drivefs/gdfs/fs"
)

// entryTTL and attrTTL bound how long the kernel itself caches a Lookup or
// GetAttr result before asking gdfs again. They're independent of (and much
// shorter than) C4's MetadataTTL (fs/filesystem.go's Config.MetadataTTL):
// the kernel-side cache only needs to survive a burst of repeat syscalls
// from one process, not the minute-scale window spec.md §3 gives
// cached_time against remote re-fetches.
const (
	entryTTL = time.Second
	attrTTL  = time.Second
)

// Server implements github.com/hanwen/go-fuse/v2/fuse.RawFileSystem by
// translating kernel requests (numeric NodeIds, InHeader/AttrOut wire
// structs) into calls against fs.Filesystem's path-addressed POSIX adapter
// (C8). Grounded on the teacher's fs.Filesystem, which embeds
// fuse.RawFileSystem the same way and fills in only the operations it
// implements, defaulting everything else to fuse.NewDefaultRawFileSystem().
type Server struct {
	fuse.RawFileSystem

	fsys   *fs.Filesystem
	mapper *inodeMapper

	handleMu sync.Mutex
	handles  map[uint64]*handle
	nextFh   uint64
}

// handle is what a kernel file-handle number (Fh) refers to between Open/
// OpenDir and Release/ReleaseDir: the resolved *fs.Node plus, for
// directories, the listing snapshot taken at OpenDir time (spec.md's
// Readdir already re-resolves/refreshes on every call, so the snapshot here
// only serves ReadDir's offset-based continuation protocol).
type handle struct {
	node    *fs.Node
	entries []fs.DirEntry
}

// NewServer builds the FUSE-facing binding around an already-constructed
// fs.Filesystem (C4-C7 wired by cmd/gdfs/main.go via fs.NewFilesystem).
func NewServer(fsys *fs.Filesystem) *Server {
	return &Server{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fsys:          fsys,
		mapper:        newInodeMapper(fsys.Tree().Root()),
		handles:       make(map[uint64]*handle),
	}
}

func (s *Server) String() string { return "gdfs" }

// Init is called once the kernel connection is established; spec.md's FUSE
// operation list names it but the core has nothing to initialize here (C6's
// worker pool is started explicitly by cmd/gdfs/main.go before mounting).
func (s *Server) Init(server *fuse.Server) {}

// pathFor reconstructs the absolute path the kernel's NodeId currently
// names. Always current even across renames, since fs/node.go's
// RenameChild moves the same *fs.Node pointer rather than allocating a new
// one.
func (s *Server) pathFor(nodeID uint64) (string, bool) {
	n := s.mapper.node(nodeID)
	if n == nil {
		return "", false
	}
	return n.Path(), true
}

func join(parent string, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return path.Join(parent, name)
}

// fillEntryOut mints or reuses node's NodeId and fills out from attr (which
// the caller's prior GetAttr/Create/Mkdir/... call already produced).
func (s *Server) fillEntryOut(node *fs.Node, attr *fs.Attr, out *fuse.EntryOut) {
	out.NodeId = s.mapper.assign(node)
	out.Generation = 1
	out.EntryValid = uint64(entryTTL / time.Second)
	out.AttrValid = uint64(attrTTL / time.Second)
	fillAttr(&out.Attr, attr, out.NodeId)
}

func fillAttr(a *fuse.Attr, attr *fs.Attr, ino uint64) {
	a.Ino = ino
	a.Size = attr.Size
	a.Blocks = (attr.Size + 511) / 512
	a.Atime = uint64(attr.ATime)
	a.Mtime = uint64(attr.MTime)
	a.Ctime = uint64(attr.CTime)
	a.Mode = modeForKind(attr.Kind, attr.Mode)
	a.Nlink = attr.Nlink
	if a.Nlink == 0 {
		a.Nlink = 1
	}
	a.Owner = fuse.Owner{Uid: attr.UID, Gid: attr.GID}
	a.Rdev = attr.Rdev
	a.Blksize = 4096
}

// modeForKind combines C4's LinkKind with the POSIX permission bits
// spec.md's Entry.file_mode stores, since gdfs keeps file-type and
// permission bits in separate fields (fs/node.go's LinkKind vs.
// fs/entry.go's Mode) rather than packing both into one mode_t the way the
// kernel's wire format does.
func modeForKind(kind fs.LinkKind, perm uint32) uint32 {
	perm &= 07777
	switch kind {
	case fs.LinkDirectory:
		return syscall.S_IFDIR | perm
	case fs.LinkSymlink:
		return syscall.S_IFLNK | perm
	case fs.LinkDevice:
		return syscall.S_IFCHR | perm
	case fs.LinkFIFO:
		return syscall.S_IFIFO | perm
	case fs.LinkSocket:
		return syscall.S_IFSOCK | perm
	default:
		return syscall.S_IFREG | perm
	}
}

func toErrno(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	return fuse.Status(fs.ToErrno(err))
}

// callerUID/callerGID pull the requesting process's identity off the
// kernel's InHeader, matching spec.md §4.7's permission checks, which are
// always evaluated against the calling process's (not the mount's) uid/gid.
func callerUID(h *fuse.InHeader) uint32 { return h.Caller.Uid }
func callerGID(h *fuse.InHeader) uint32 { return h.Caller.Gid }

func (s *Server) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parentPath, ok := s.pathFor(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	childPath := join(parentPath, name)
	ctx := context.Background()
	attr, err := s.fsys.GetAttr(ctx, childPath, callerUID(header), callerGID(header))
	if err != nil {
		return toErrno(err)
	}
	node, err := s.fsys.Tree().Resolve(childPath)
	if err != nil {
		return toErrno(err)
	}
	s.fillEntryOut(node, attr, out)
	return fuse.OK
}

func (s *Server) Forget(nodeid, nlookup uint64) {
	s.mapper.forget(nodeid, nlookup)
}

func (s *Server) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	p, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := s.fsys.GetAttr(context.Background(), p, callerUID(&input.InHeader), callerGID(&input.InHeader))
	if err != nil {
		return toErrno(err)
	}
	out.AttrValid = uint64(attrTTL / time.Second)
	fillAttr(&out.Attr, attr, input.NodeId)
	return fuse.OK
}

// SetAttr dispatches to whichever of Chmod/Chown/Truncate/Utimens the
// kernel's Valid bitmask requests, matching spec.md §4.7's per-operation
// POSIX adapter calls (the kernel folds chmod(2)/chown(2)/truncate(2)/
// utimensat(2) into one SETATTR request rather than four separate ones).
func (s *Server) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	p, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	ctx := context.Background()
	uid, gid := callerUID(&input.InHeader), callerGID(&input.InHeader)

	if input.Valid&fuse.FATTR_MODE != 0 {
		if err := s.fsys.Chmod(ctx, p, input.Mode, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		newUID, newGID := int64(-1), int64(-1)
		if input.Valid&fuse.FATTR_UID != 0 {
			newUID = int64(input.Owner.Uid)
		}
		if input.Valid&fuse.FATTR_GID != 0 {
			newGID = int64(input.Owner.Gid)
		}
		if err := s.fsys.Chown(ctx, p, newUID, newGID, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		if err := s.fsys.Truncate(ctx, p, input.Size, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if input.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		atime, mtime := int64(-1), int64(-1)
		if input.Valid&fuse.FATTR_ATIME != 0 {
			atime = int64(input.Atime)
		}
		if input.Valid&fuse.FATTR_MTIME != 0 {
			mtime = int64(input.Mtime)
		}
		if err := s.fsys.Utimens(ctx, p, atime, mtime, uid, gid); err != nil {
			return toErrno(err)
		}
	}

	attr, err := s.fsys.GetAttr(ctx, p, uid, gid)
	if err != nil {
		return toErrno(err)
	}
	out.AttrValid = uint64(attrTTL / time.Second)
	fillAttr(&out.Attr, attr, input.NodeId)
	return fuse.OK
}

func (s *Server) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	parentPath, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	uid, gid := callerUID(&input.InHeader), callerGID(&input.InHeader)
	node, err := s.fsys.Mknod(context.Background(), join(parentPath, name), input.Mode, input.Rdev, uid, gid)
	if err != nil {
		return toErrno(err)
	}
	s.fillEntryOut(node, attrOf(node), out)
	return fuse.OK
}

func (s *Server) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parentPath, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	uid, gid := callerUID(&input.InHeader), callerGID(&input.InHeader)
	node, err := s.fsys.Mkdir(context.Background(), join(parentPath, name), input.Mode, uid, gid)
	if err != nil {
		return toErrno(err)
	}
	s.fillEntryOut(node, attrOf(node), out)
	return fuse.OK
}

func (s *Server) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parentPath, ok := s.pathFor(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	err := s.fsys.Unlink(context.Background(), join(parentPath, name), callerUID(header), callerGID(header))
	return toErrno(err)
}

func (s *Server) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parentPath, ok := s.pathFor(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	err := s.fsys.Rmdir(context.Background(), join(parentPath, name), callerUID(header), callerGID(header))
	return toErrno(err)
}

func (s *Server) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	parentPath, ok := s.pathFor(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	uid, gid := callerUID(header), callerGID(header)
	node, err := s.fsys.Symlink(context.Background(), pointedTo, join(parentPath, linkName), uid, gid)
	if err != nil {
		return toErrno(err)
	}
	s.fillEntryOut(node, attrOf(node), out)
	return fuse.OK
}

func (s *Server) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	p, ok := s.pathFor(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	target, err := s.fsys.Readlink(context.Background(), p, callerUID(header), callerGID(header))
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fuse.OK
}

func (s *Server) Link(cancel <-chan struct{}, input *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	oldPath, ok := s.pathFor(input.Oldnodeid)
	if !ok {
		return fuse.ENOENT
	}
	newParentPath, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	uid, gid := callerUID(&input.InHeader), callerGID(&input.InHeader)
	node, err := s.fsys.Link(context.Background(), oldPath, join(newParentPath, name), uid, gid)
	if err != nil {
		return toErrno(err)
	}
	s.fillEntryOut(node, attrOf(node), out)
	return fuse.OK
}

func (s *Server) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	oldParentPath, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	newParentPath, ok := s.pathFor(input.Newdir)
	if !ok {
		return fuse.ENOENT
	}
	uid, gid := callerUID(&input.InHeader), callerGID(&input.InHeader)
	err := s.fsys.Rename(context.Background(), join(oldParentPath, oldName), join(newParentPath, newName), uid, gid)
	return toErrno(err)
}

func (s *Server) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	p, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	err := s.fsys.Access(context.Background(), p, input.Mask, callerUID(&input.InHeader), callerGID(&input.InHeader))
	return toErrno(err)
}

func (s *Server) newFh(node *fs.Node) uint64 {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	s.nextFh++
	fh := s.nextFh
	s.handles[fh] = &handle{node: node}
	return fh
}

func (s *Server) handleFor(fh uint64) *handle {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return s.handles[fh]
}

func (s *Server) dropHandle(fh uint64) *handle {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	h := s.handles[fh]
	delete(s.handles, fh)
	return h
}

func (s *Server) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parentPath, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	uid, gid := callerUID(&input.InHeader), callerGID(&input.InHeader)
	node, err := s.fsys.Create(context.Background(), join(parentPath, name), input.Mode, uid, gid)
	if err != nil {
		return toErrno(err)
	}
	s.fillEntryOut(node, attrOf(node), &out.EntryOut)
	out.Fh = s.newFh(node)
	return fuse.OK
}

func (s *Server) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	p, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	write := input.Flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	node, err := s.fsys.Open(context.Background(), p, write, callerUID(&input.InHeader), callerGID(&input.InHeader))
	if err != nil {
		return toErrno(err)
	}
	out.Fh = s.newFh(node)
	return fuse.OK
}

func (s *Server) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	h := s.handleFor(input.Fh)
	if h == nil {
		return nil, fuse.EBADF
	}
	data, err := s.fsys.Read(context.Background(), h.node, input.Offset, input.Size)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (s *Server) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	h := s.handleFor(input.Fh)
	if h == nil {
		return 0, fuse.EBADF
	}
	n, err := s.fsys.Write(context.Background(), h.node, input.Offset, data)
	if err != nil {
		return 0, toErrno(err)
	}
	return n, fuse.OK
}

func (s *Server) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (s *Server) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (s *Server) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	h := s.dropHandle(input.Fh)
	if h == nil {
		return
	}
	if err := s.fsys.Release(context.Background(), h.node); err != nil {
		log.Warn().Err(err).Str("path", h.node.Path()).Msg("release failed")
	}
}

func (s *Server) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	p, ok := s.pathFor(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	entries, err := s.fsys.Readdir(context.Background(), p, callerUID(&input.InHeader), callerGID(&input.InHeader))
	if err != nil {
		return toErrno(err)
	}
	node := s.mapper.node(input.NodeId)
	dirMode := uint32(0755)
	if node != nil {
		dirMode = node.Entry().Mode()
	}
	entries = append([]fs.DirEntry{
		{Name: ".", Kind: fs.LinkDirectory, Mode: dirMode},
		{Name: "..", Kind: fs.LinkDirectory, Mode: dirMode},
	}, entries...)
	s.handleMu.Lock()
	s.nextFh++
	fh := s.nextFh
	s.handles[fh] = &handle{node: node, entries: entries}
	s.handleMu.Unlock()
	out.Fh = fh
	return fuse.OK
}

func (s *Server) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	h := s.handleFor(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	for i := int(input.Offset); i < len(h.entries); i++ {
		e := h.entries[i]
		ok := out.AddDirEntry(fuse.DirEntry{
			Mode: modeForKind(e.Kind, e.Mode),
			Name: e.Name,
			Ino:  0,
		})
		if !ok {
			break
		}
	}
	return fuse.OK
}

func (s *Server) ReleaseDir(input *fuse.ReleaseIn) {
	s.dropHandle(input.Fh)
}

func (s *Server) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (s *Server) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	r := s.fsys.Statfs()
	out.Bsize = r.BlockSize
	out.Frsize = r.BlockSize
	out.Blocks = r.Blocks
	out.Bfree = r.BlocksFree
	out.Bavail = r.BlocksFree
	out.NameLen = r.NameLen
	return fuse.OK
}

// attrOf fetches the current Attr for a freshly created/linked/renamed Node,
// the same projection GetAttr uses, without re-resolving the path (the
// caller already holds the Node from a C8 mutator's return value).
func attrOf(node *fs.Node) *fs.Attr {
	return fs.AttrForNode(node)
}
