// Package fuseadapter is the C8-external FUSE binding spec.md §1 calls out
// as "specified only at their interface": it translates kernel FUSE
// requests (numeric NodeIds, InHeader/AttrOut wire structs) into calls on
// fs.Filesystem's path-addressed POSIX adapter. None of the core's
// invariants live here; this package only exists to satisfy
// github.com/hanwen/go-fuse/v2/fuse.RawFileSystem.
package fuseadapter

import (
	"sync"

	"github.com/drivefs/gdfs/fs"
)

// rootNodeID is the fixed kernel-visible id for the mount root, matching
// FUSE's own convention (go-fuse's fuse.FUSE_ROOT_ID).
const rootNodeID = 1

// inodeMapper assigns stable numeric NodeIds to *fs.Node pointers, grounded
// on the teacher's InodeMapper (fs/inode_mapper.go): a 1-based slice of
// identifiers handed out in Lookup order. The teacher maps NodeId to a
// Microsoft Graph item id string and re-resolves the Node through its own
// id-indexed cache on every call; gdfs's Node survives renames in place (see
// fs/node.go's RenameChild, which moves the same pointer rather than
// allocating a new one), so mapping directly to the pointer is both simpler
// and exactly as stable across renames as the teacher's string-id indirect
// scheme.
type inodeMapper struct {
	mu      sync.RWMutex
	byID    map[uint64]*fs.Node
	byNode  map[*fs.Node]uint64
	lookups map[uint64]uint64 // NodeId -> outstanding kernel lookup count
	lastID  uint64
}

func newInodeMapper(root *fs.Node) *inodeMapper {
	m := &inodeMapper{
		byID:    make(map[uint64]*fs.Node),
		byNode:  make(map[*fs.Node]uint64),
		lookups: make(map[uint64]uint64),
		lastID:  rootNodeID,
	}
	m.byID[rootNodeID] = root
	m.byNode[root] = rootNodeID
	m.lookups[rootNodeID] = 1
	return m
}

// node resolves a kernel NodeId back to the fs.Node it names, or nil if the
// kernel is referring to an id gdfs never assigned (a protocol violation).
func (m *inodeMapper) node(id uint64) *fs.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// assign returns the NodeId for n, minting a new one and recording one
// pending lookup if n hasn't been seen before, or bumping the lookup count
// of an id already assigned to it (spec.md's FUSE operation list includes
// no explicit lookup-count bookkeeping, but the kernel requires one Forget
// per successful Lookup/Create/Mkdir/... before gdfs may drop a node from
// this map).
func (m *inodeMapper) assign(n *fs.Node) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byNode[n]; ok {
		m.lookups[id]++
		return id
	}
	m.lastID++
	id := m.lastID
	m.byID[id] = n
	m.byNode[n] = id
	m.lookups[id] = 1
	return id
}

// forget decrements id's outstanding lookup count by n, dropping the mapping
// once it reaches zero (the kernel never references that id again until a
// fresh Lookup). The root is never forgotten.
func (m *inodeMapper) forget(id uint64, n uint64) {
	if id == rootNodeID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.lookups[id]
	if !ok {
		return
	}
	if n >= count {
		node := m.byID[id]
		delete(m.byID, id)
		delete(m.byNode, node)
		delete(m.lookups, id)
		return
	}
	m.lookups[id] = count - n
}
