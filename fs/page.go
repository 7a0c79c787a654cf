package fs

import (
	"sort"
	"sync"
)

// Page is a contiguous byte range owned by one file in the cache (spec.md
// §3, "Page"). Bounds are inclusive: size = stop-start+1.
type Page struct {
	start uint64
	stop  uint64
	buf   []byte
}

// Start returns the inclusive start offset.
func (p *Page) Start() uint64 { return p.start }

// Stop returns the inclusive stop offset.
func (p *Page) Stop() uint64 { return p.stop }

// Size returns the byte length of the page.
func (p *Page) Size() uint64 { return p.stop - p.start + 1 }

// Bytes returns the page's backing buffer. Callers must not retain it past
// the next mutation of the owning File.
func (p *Page) Bytes() []byte { return p.buf }

// FetchFunc retrieves bytes for [start, stop] from the remote when the page
// cache has a gap. Implemented by C7 for real files.
type FetchFunc func(start, stop uint64) ([]byte, error)

// File is a per-file ordered page set plus the metadata needed to decide
// when the set as a whole is stale (spec.md §4.2.1).
type File struct {
	mutex sync.Mutex

	pages []*Page

	// cachedMtime is the remote mtime this page set was last validated
	// against. A newer Entry.MTime invalidates every page (spec.md §4.2.1
	// step 1 of get).
	cachedMtime int64

	// singlePage is set for native documents: at most one page exists (the
	// exported PDF), and a fresh export always replaces it wholesale.
	singlePage bool
}

// NewFile constructs an empty per-file page set.
func NewFile(singlePage bool) *File {
	return &File{singlePage: singlePage}
}

// Size returns the sum of all page sizes, used as the authoritative
// file_size for non-g_doc files that aren't being actively written.
func (f *File) Size() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var total uint64
	for _, p := range f.pages {
		total += p.Size()
	}
	return total
}

// Pages returns a snapshot of the ordered page list.
func (f *File) Pages() []*Page {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]*Page, len(f.pages))
	copy(out, f.pages)
	return out
}

// Invalidate drops every page, used when the remote mtime advances past
// what this page set was validated against, or when to_delete is requested.
func (f *File) Invalidate() {
	f.mutex.Lock()
	f.pages = nil
	f.mutex.Unlock()
}

// CachedMtime returns the mtime this page set was last validated against.
func (f *File) CachedMtime() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.cachedMtime
}

// SetCachedMtime records the mtime this page set was just validated against.
func (f *File) SetCachedMtime(mtime int64) {
	f.mutex.Lock()
	f.cachedMtime = mtime
	f.mutex.Unlock()
}

// Put inserts or coalesces buf over [start, stop]. Every existing page that
// overlaps the new range is merged into one replacement page; pages that do
// not overlap it, including pages that merely abut it, are left untouched and
// stay separate. This produces
// the same non-overlapping, strictly-increasing invariant the per-page walk
// in spec.md §4.2.1 describes, without the duplicate-trailing-page
// possibility that a naive "insert leftover tail" step can produce. Returns
// the signed change in total cache bytes this write caused.
func (f *File) Put(buf []byte, start, stop uint64) int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	before := f.totalSizeLocked()

	if f.singlePage {
		f.pages = []*Page{{start: start, stop: stop, buf: append([]byte(nil), buf...)}}
		return int64(f.totalSizeLocked()) - int64(before)
	}

	mergedStart, mergedStop := start, stop
	var survivors, overlapping []*Page
	for _, p := range f.pages {
		if p.stop < start || p.start > stop {
			survivors = append(survivors, p)
			continue
		}
		overlapping = append(overlapping, p)
		if p.start < mergedStart {
			mergedStart = p.start
		}
		if p.stop > mergedStop {
			mergedStop = p.stop
		}
	}

	merged := make([]byte, mergedStop-mergedStart+1)
	for _, p := range overlapping {
		copy(merged[p.start-mergedStart:], p.buf)
	}
	copy(merged[start-mergedStart:], buf)

	survivors = append(survivors, &Page{start: mergedStart, stop: mergedStop, buf: merged})
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].start < survivors[j].start })
	f.pages = survivors

	return int64(f.totalSizeLocked()) - int64(before)
}

func (f *File) totalSizeLocked() uint64 {
	var total uint64
	for _, p := range f.pages {
		total += p.Size()
	}
	return total
}

// Get assembles the page list covering [start, stop], fetching any missing
// subranges via fetch and inserting them before returning (spec.md §4.2.1
// get). The native-document case returns the single cached page (or fetches
// it fresh if absent) since exports are always whole-file.
func (f *File) Get(start, stop uint64, fetch FetchFunc) ([]*Page, int64, error) {
	f.mutex.Lock()

	if f.singlePage {
		if len(f.pages) > 0 {
			p := f.pages[0]
			f.mutex.Unlock()
			return []*Page{p}, 0, nil
		}
		f.mutex.Unlock()
		data, err := fetch(start, stop)
		if err != nil {
			return nil, 0, err
		}
		delta := f.Put(data, start, stop)
		return f.Pages(), delta, nil
	}

	var result []*Page
	var totalDelta int64
	cursor := start
	for cursor <= stop {
		idx := f.findCoveringLocked(cursor)
		if idx >= 0 {
			p := f.pages[idx]
			result = append(result, p)
			cursor = p.stop + 1
			continue
		}

		gapStop := stop
		if next := f.nextStartAfterLocked(cursor); next >= 0 && uint64(next)-1 < gapStop {
			gapStop = uint64(next) - 1
		}

		f.mutex.Unlock()
		data, err := fetch(cursor, gapStop)
		if err != nil {
			return nil, totalDelta, err
		}
		delta := f.Put(data, cursor, gapStop)
		totalDelta += delta
		f.mutex.Lock()

		idx = f.findCoveringLocked(cursor)
		if idx >= 0 {
			result = append(result, f.pages[idx])
		}
		cursor = gapStop + 1
	}
	f.mutex.Unlock()
	return result, totalDelta, nil
}

// findCoveringLocked returns the index of the page containing offset, or -1.
func (f *File) findCoveringLocked(offset uint64) int {
	for i, p := range f.pages {
		if offset >= p.start && offset <= p.stop {
			return i
		}
	}
	return -1
}

// nextStartAfterLocked returns the start of the first page whose start is >
// offset, or -1 if none.
func (f *File) nextStartAfterLocked(offset uint64) int64 {
	best := int64(-1)
	for _, p := range f.pages {
		if p.start > offset {
			if best == -1 || p.start < uint64(best) {
				best = int64(p.start)
			}
		}
	}
	return best
}

// Resize truncates or drops pages past newSize (spec.md §4.2.1 resize).
// Returns the signed change in total cache bytes.
func (f *File) Resize(newSize uint64) int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	before := f.totalSizeLocked()
	if newSize == 0 {
		f.pages = nil
		return -int64(before)
	}

	var survivors []*Page
	maxOffset := newSize - 1
	for _, p := range f.pages {
		if p.start > maxOffset {
			continue
		}
		if p.stop > maxOffset {
			p.stop = maxOffset
			p.buf = p.buf[:p.Size()]
		}
		survivors = append(survivors, p)
	}
	f.pages = survivors
	return int64(f.totalSizeLocked()) - int64(before)
}
