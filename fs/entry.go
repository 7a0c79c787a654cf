package fs

import (
	"strings"
	"sync"
	"time"
)

// sentinelPrefix marks file ids that are local-only and must never generate
// remote traffic (spec.md §3, "Sentinel id").
const sentinelPrefix = "null"

// nativeDocMimePrefixes selects the Drive MIME types that require PDF export
// on read rather than a direct byte download (spec.md glossary, "Native document").
var nativeDocMimePrefixes = []string{
	"application/vnd.google-apps.document",
	"application/vnd.google-apps.spreadsheet",
	"application/vnd.google-apps.drawing",
	"application/vnd.google-apps.presentation",
}

func isNativeDocMime(mime string) bool {
	for _, prefix := range nativeDocMimePrefixes {
		if mime == prefix {
			return true
		}
	}
	return false
}

// IsSentinelID reports whether id is a locally-minted identifier that must
// never be sent to the remote API (spec.md invariant 5).
func IsSentinelID(id string) bool {
	return strings.HasPrefix(id, sentinelPrefix) || id == ""
}

var sentinelCounter struct {
	sync.Mutex
	next uint64
}

// newSentinelID mints a locally-unique sentinel id for entries that have no
// remote counterpart: hidden/dot files, devices, symlinks, sockets and FIFOs.
func newSentinelID() string {
	sentinelCounter.Lock()
	sentinelCounter.next++
	n := sentinelCounter.next
	sentinelCounter.Unlock()
	return sentinelPrefix + "-" + time.Now().UTC().Format("20060102150405") + "-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Entry is the authoritative local view of one remote object (spec.md §3).
// All fields are guarded by mutex except FileID, which is read and written
// without a lock: dispatchInsert and rekeyOnRename assign it directly and then
// update the tree's secondary index, which Tree.mutex guards.
type Entry struct {
	mutex sync.RWMutex

	FileID string

	fileSize uint64
	ctime    int64
	mtime    int64
	atime    int64

	cachedTime time.Time

	uid      uint32
	gid      uint32
	fileMode uint32
	dev      uint32

	isDir bool

	mimeType string
	gDoc     bool

	// md5Checksum is Drive's content hash, used the way the teacher's
	// VerifyChecksum uses QuickXorHash: to decide whether cached disk
	// content still matches the remote object (SPEC_FULL.md §3 supplement).
	md5Checksum string

	// trashed mirrors Drive's own soft-delete flag, distinct from Dirty
	// (which models a locally-pending DELETE). SPEC_FULL.md §3 supplement.
	trashed bool

	refCount int

	dirty         bool
	pendingCreate bool
	write         bool
	pendingGet    bool

	// openCount backs "file_open" with a count rather than a bool so two
	// concurrent openers don't race Release-clears-the-flag against each
	// other (SPEC_FULL.md §3 supplement).
	openCount int
}

// NewEntry constructs a fresh Entry. A zero-value fileID mints a sentinel id,
// matching the lifecycle rule that local-only objects never generate remote
// traffic.
func NewEntry(fileID string, isDir bool, mode uint32, uid, gid uint32) *Entry {
	if fileID == "" {
		fileID = newSentinelID()
	}
	now := time.Now().Unix()
	return &Entry{
		FileID:   fileID,
		isDir:    isDir,
		fileMode: mode,
		uid:      uid,
		gid:      gid,
		ctime:    now,
		mtime:    now,
		atime:    now,
		refCount: 1,
	}
}

// IsSentinel reports whether the entry's id is local-only.
func (e *Entry) IsSentinel() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return IsSentinelID(e.FileID)
}

// Size returns the authoritative byte size (meaningless while Write is true).
func (e *Entry) Size() uint64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.fileSize
}

// SetSize sets the authoritative byte size.
func (e *Entry) SetSize(size uint64) {
	e.mutex.Lock()
	e.fileSize = size
	e.mutex.Unlock()
}

// MTime returns the last-modified unix timestamp.
func (e *Entry) MTime() int64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.mtime
}

// SetMTime sets the last-modified unix timestamp.
func (e *Entry) SetMTime(t int64) {
	e.mutex.Lock()
	e.mtime = t
	e.mutex.Unlock()
}

// CTime returns the change-time unix timestamp.
func (e *Entry) CTime() int64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.ctime
}

// ATime returns the access-time unix timestamp.
func (e *Entry) ATime() int64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.atime
}

// SetATime sets the access-time unix timestamp.
func (e *Entry) SetATime(t int64) {
	e.mutex.Lock()
	e.atime = t
	e.mutex.Unlock()
}

// SetTimes sets ctime/mtime/atime together, as a metadata refresh would.
func (e *Entry) SetTimes(ctime, mtime, atime int64) {
	e.mutex.Lock()
	e.ctime = ctime
	e.mtime = mtime
	e.atime = atime
	e.mutex.Unlock()
}

// CachedTime returns the wall-clock instant of the last metadata refresh.
func (e *Entry) CachedTime() time.Time {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.cachedTime
}

// Refresh marks the entry as freshly fetched, used for the metadata cache TTL.
func (e *Entry) Refresh() {
	e.mutex.Lock()
	e.cachedTime = time.Now()
	e.mutex.Unlock()
}

// Stale reports whether the entry's metadata is older than ttl.
func (e *Entry) Stale(ttl time.Duration) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return time.Since(e.cachedTime) > ttl
}

// IsDir reports the directory flag.
func (e *Entry) IsDir() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.isDir
}

// Mode returns the POSIX mode bits (not including the file-type bits, which
// the Node tracks via LinkKind).
func (e *Entry) Mode() uint32 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.fileMode
}

// SetMode sets the POSIX mode bits.
func (e *Entry) SetMode(mode uint32) {
	e.mutex.Lock()
	e.fileMode = mode
	e.mutex.Unlock()
}

// UID returns the owning uid.
func (e *Entry) UID() uint32 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.uid
}

// GID returns the owning gid.
func (e *Entry) GID() uint32 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.gid
}

// SetOwner sets uid/gid together (chown).
func (e *Entry) SetOwner(uid, gid uint32) {
	e.mutex.Lock()
	e.uid = uid
	e.gid = gid
	e.mutex.Unlock()
}

// MimeType returns the remote MIME type.
func (e *Entry) MimeType() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.mimeType
}

// SetMimeType sets the remote MIME type and recomputes the GDoc flag.
func (e *Entry) SetMimeType(mime string) {
	e.mutex.Lock()
	e.mimeType = mime
	e.gDoc = isNativeDocMime(mime)
	e.mutex.Unlock()
}

// GDoc reports whether the entry is a native document requiring PDF export.
func (e *Entry) GDoc() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.gDoc
}

// MD5Checksum returns Drive's content hash for integrity checks.
func (e *Entry) MD5Checksum() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.md5Checksum
}

// SetMD5Checksum sets Drive's content hash.
func (e *Entry) SetMD5Checksum(sum string) {
	e.mutex.Lock()
	e.md5Checksum = sum
	e.mutex.Unlock()
}

// Trashed reports Drive's own soft-delete flag.
func (e *Entry) Trashed() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.trashed
}

// SetTrashed sets Drive's own soft-delete flag.
func (e *Entry) SetTrashed(t bool) {
	e.mutex.Lock()
	e.trashed = t
	e.mutex.Unlock()
}

// RefCount returns the number of Nodes referencing this entry.
func (e *Entry) RefCount() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.refCount
}

// IncRef increments the reference count (a hard link was added).
func (e *Entry) IncRef() {
	e.mutex.Lock()
	e.refCount++
	e.mutex.Unlock()
}

// DecRef decrements the reference count and reports the new value.
func (e *Entry) DecRef() int {
	e.mutex.Lock()
	e.refCount--
	n := e.refCount
	e.mutex.Unlock()
	return n
}

// Dirty reports whether a DELETE is pending for this entry.
func (e *Entry) Dirty() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.dirty
}

// SetDirty sets the pending-DELETE flag.
func (e *Entry) SetDirty(v bool) {
	e.mutex.Lock()
	e.dirty = v
	e.mutex.Unlock()
}

// PendingCreate reports whether an INSERT is pending for this entry.
func (e *Entry) PendingCreate() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.pendingCreate
}

// SetPendingCreate sets the pending-INSERT flag.
func (e *Entry) SetPendingCreate(v bool) {
	e.mutex.Lock()
	e.pendingCreate = v
	e.mutex.Unlock()
}

// Write reports whether local bytes differ from the last-synced remote copy.
func (e *Entry) Write() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.write
}

// SetWrite sets the write-pending flag.
func (e *Entry) SetWrite(v bool) {
	e.mutex.Lock()
	e.write = v
	e.mutex.Unlock()
}

// PendingGet reports whether this directory's listing is known to be stale.
func (e *Entry) PendingGet() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.pendingGet
}

// SetPendingGet sets the stale-listing flag.
func (e *Entry) SetPendingGet(v bool) {
	e.mutex.Lock()
	e.pendingGet = v
	e.mutex.Unlock()
}

// Open increments the open-handle count, setting FileOpen semantics.
func (e *Entry) Open() {
	e.mutex.Lock()
	e.openCount++
	e.mutex.Unlock()
}

// Close decrements the open-handle count and reports whether any handles remain.
func (e *Entry) Close() bool {
	e.mutex.Lock()
	if e.openCount > 0 {
		e.openCount--
	}
	remaining := e.openCount > 0
	e.mutex.Unlock()
	return remaining
}

// FileOpen reports whether at least one open handle exists.
func (e *Entry) FileOpen() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.openCount > 0
}

// Destroyed reports invariant 2: an Entry with ref_count == 0 should be torn
// down. Directories use the same threshold: a directory's single Node holds
// its only reference (NewEntry starts it at 1), and Rmdir drops it to 0.
func (e *Entry) Destroyed() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.isDir {
		return e.refCount <= 0
	}
	return e.refCount <= 0
}
