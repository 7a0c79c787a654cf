package fs

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drivefs/gdfs/internal/driveapi"
)

// Config gathers the tunables spec.md §6 lists: cache size, upload chunk
// size (fs/upload.go's UploadChunkSize, not repeated here), metadata TTL,
// worker pool size, and the POSIX identity the mount presents as.
type Config struct {
	UID uint32
	GID uint32

	// CacheMaxBytes is CACHE_MAX (spec.md §6 default: 100 MiB).
	CacheMaxBytes uint64
	// MetadataTTL bounds how long an Entry's cached metadata is trusted
	// before resolve triggers a refresh (spec.md §3, "cached_time").
	MetadataTTL time.Duration
	// WorkerCount is the request-queue's worker pool size (spec.md §6
	// default: 10).
	WorkerCount int
}

// DefaultConfig returns spec.md §6's documented tunable defaults.
func DefaultConfig(uid, gid uint32) Config {
	return Config{
		UID:           uid,
		GID:           gid,
		CacheMaxBytes: 100 * 1024 * 1024,
		MetadataTTL:   60 * time.Second,
		WorkerCount:   10,
	}
}

// Filesystem is the heap-allocated value spec.md §9's "global mutable state"
// design note asks for: every mutable field the original scattered across
// globals (secondary index, id pool, request queue, credential store) is
// gathered here and threaded through every C8 operation, grounded on the
// teacher's Filesystem struct in fs/cache.go.
type Filesystem struct {
	tree     *Tree
	cache    *PageCache
	queue    *Queue
	remote   *Remote
	pool     *IDPool
	auth     *CredentialStore
	api      *driveapi.Client
	uploader *Uploader
	config   Config

	statMu    sync.Mutex
	quotaUsed uint64
	quotaMax  uint64
}

// NewFilesystem wires C1 (auth), C2/C3 (api), C4 (tree), C5 (cache), C6
// (queue) and C7 (remote) together. rootID is the Drive file id of "My
// Drive" (obtained once via internal/driveapi.Client.GetFile(ctx, "root")
// by the caller, matching the Drive v3 convention of aliasing the root id).
func NewFilesystem(api *driveapi.Client, auth *CredentialStore, rootID string, cfg Config) *Filesystem {
	tree := NewTree(rootID, cfg.UID, cfg.GID)
	cache := NewPageCache(cfg.CacheMaxBytes)

	fsys := &Filesystem{
		tree:   tree,
		cache:  cache,
		auth:   auth,
		api:    api,
		config: cfg,
	}

	// Remote.Dispatch closes over fsys.remote rather than being passed
	// directly, since Queue must exist before Remote can be constructed and
	// Remote must exist before Queue can dispatch through it.
	queue := NewQueue(cfg.WorkerCount, func(item *RequestItem) (bool, error) {
		return fsys.remote.Dispatch(item)
	})
	fsys.queue = queue
	fsys.pool = NewIDPool(queue, driveapi.BaseURL+"/files/generateIds")
	fsys.remote = NewRemote(api, tree, cache, queue, fsys.pool)
	return fsys
}

// Start launches the worker pool (spec.md §4.3: "a bounded pool of N worker
// threads").
func (f *Filesystem) Start() {
	f.queue.Start()
}

// Stop signals the worker pool to drain and exit (spec.md §5,
// "Cancellation"). Pending items remaining in the queue are discarded.
func (f *Filesystem) Stop() {
	f.queue.Stop()
}

// Tree returns the in-memory directory tree (C4).
func (f *Filesystem) Tree() *Tree { return f.tree }

// Cache returns the page cache (C5).
func (f *Filesystem) Cache() *PageCache { return f.cache }

// Queue returns the request queue (C6).
func (f *Filesystem) Queue() *Queue { return f.queue }

// Remote returns the remote coordinator (C7).
func (f *Filesystem) Remote() *Remote { return f.remote }

// Config returns the tunables this filesystem was constructed with.
func (f *Filesystem) Config() Config { return f.config }

// API returns the underlying Drive client, used directly by Read for content
// downloads rather than going through the mutation-oriented request queue.
func (f *Filesystem) API() *driveapi.Client { return f.api }

// SetUploader installs the Uploader used by Release to flush dirty content.
// Split from NewFilesystem since the HTTP client and journal are assembled
// by the caller (cmd/gdfs/main.go) after auth is loaded.
func (f *Filesystem) SetUploader(httpClient *http.Client, journal *UploadJournal) {
	f.uploader = NewUploader(httpClient, journal)
}

// RefreshQuota captures the account's storage-quota figures, called once at
// mount time (spec.md §4.7's statfs note: "uses remote storage quota figures
// captured at mount").
func (f *Filesystem) RefreshQuota(ctx context.Context, api *driveapi.Client) error {
	about, err := api.About(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch storage quota at mount")
		return err
	}
	f.statMu.Lock()
	if about.StorageQuota != nil {
		f.quotaMax = uint64(about.StorageQuota.Limit)
		f.quotaUsed = uint64(about.StorageQuota.Usage)
	}
	f.statMu.Unlock()
	return nil
}

// StatfsResult is what Filesystem.Statfs reports, mirroring the fields a
// FUSE binding's StatfsOut needs (spec.md §4.7's statfs note).
type StatfsResult struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	NameLen    uint32
}

const statfsBlockSize = 4096

// Statfs reports the quota figures captured at mount (RefreshQuota), never
// making remote traffic of its own.
func (f *Filesystem) Statfs() *StatfsResult {
	f.statMu.Lock()
	defer f.statMu.Unlock()
	var free uint64
	if f.quotaMax > f.quotaUsed {
		free = f.quotaMax - f.quotaUsed
	}
	return &StatfsResult{
		BlockSize:  statfsBlockSize,
		Blocks:     f.quotaMax / statfsBlockSize,
		BlocksFree: free / statfsBlockSize,
		NameLen:    MaxFilenameLen,
	}
}
