package fs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	drive "google.golang.org/api/drive/v3"
)

// DeltaLoop polls the remote change feed at a fixed interval until ctx is
// cancelled, grounded on the teacher's Filesystem.DeltaLoop (fs/delta.go):
// a ticker-driven background goroutine the daemon launches once at mount
// time, with pollDeltas/applyDelta generalized from OneDrive's delta-link
// protocol to Drive's changes.list cursor.
func (f *Filesystem) DeltaLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollOnce(ctx)
		}
	}
}

func (f *Filesystem) pollOnce(ctx context.Context) {
	if err := f.remote.ApplyChanges(ctx); err != nil {
		log.Warn().Err(err).Msg("change poll failed")
	}
}

// ApplyChanges drains changes.list from the last observed change token and
// applies each change to the tree in place. The first call only establishes
// the cursor; everything before it is already covered by the initial
// listings. The cursor is the same rootStartToken isModified compares, so a
// listing-triggered root refresh and the poller never replay each other's
// changes.
func (r *Remote) ApplyChanges(ctx context.Context) error {
	r.mutex.Lock()
	token := r.rootStartToken
	r.mutex.Unlock()

	if token == "" {
		t, err := r.api.StartPageToken(ctx)
		if err != nil {
			return err
		}
		r.mutex.Lock()
		if r.rootStartToken == "" {
			r.rootStartToken = t
		}
		r.mutex.Unlock()
		return nil
	}

	for {
		page, err := r.api.ListChanges(ctx, token)
		if err != nil {
			return err
		}
		for _, ch := range page.Changes {
			r.applyChange(ch)
		}
		if page.NextPageToken != "" {
			token = page.NextPageToken
			continue
		}
		if page.NewStartPageToken != "" {
			r.mutex.Lock()
			r.rootStartToken = page.NewStartPageToken
			r.mutex.Unlock()
		}
		return nil
	}
}

// applyChange maps one remote change onto the tree, honoring the same guard
// flags the listing prune does: open, dirty, written-to and pending-create
// entries are never clobbered by the poller (spec.md §5's ordering
// guarantees).
func (r *Remote) applyChange(ch *drive.Change) {
	nodes := r.tree.NodesByRemoteID(ch.FileId)
	if len(nodes) == 0 {
		// an object this mount has never listed; flag its parent (if known)
		// so the next resolve/readdir relists it.
		if ch.File == nil || ch.Removed || ch.File.Trashed {
			return
		}
		for _, parentID := range ch.File.Parents {
			for _, p := range r.tree.NodesByRemoteID(parentID) {
				if p.IsDir() {
					p.Entry().SetPendingGet(true)
				}
			}
		}
		return
	}

	removed := ch.Removed || (ch.File != nil && ch.File.Trashed)
	for _, node := range nodes {
		entry := node.Entry()
		if entry.FileOpen() || entry.Dirty() || entry.Write() || entry.PendingCreate() {
			continue
		}
		if ch.File != nil && ch.File.Trashed {
			entry.SetTrashed(true)
		}
		if removed {
			if parent := node.Parent(); parent != nil {
				r.deleteSubtreeLocal(parent, node)
			}
			continue
		}
		if ch.File == nil {
			continue
		}
		if node.IsDir() {
			// contents may have changed; relist lazily on the next
			// resolve/readdir rather than synchronously inside the poller.
			entry.SetPendingGet(true)
			entry.SetMTime(parseRFC3339Unix(ch.File.ModifiedTime))
			continue
		}
		if !entry.GDoc() {
			entry.SetSize(uint64(ch.File.Size))
		}
		entry.SetMTime(parseRFC3339Unix(ch.File.ModifiedTime))
		entry.SetMD5Checksum(ch.File.Md5Checksum)
		entry.Refresh()
	}
}
