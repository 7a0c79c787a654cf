package fs

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestType enumerates the remote operations C6 can dispatch (spec.md §4.3).
type RequestType int

const (
	ReqGet RequestType = iota
	ReqInsert
	ReqUpdate
	ReqDelete
	ReqUpload
	ReqGenerateID
)

func (t RequestType) String() string {
	switch t {
	case ReqGet:
		return "GET"
	case ReqInsert:
		return "INSERT"
	case ReqUpdate:
		return "UPDATE"
	case ReqDelete:
		return "DELETE"
	case ReqUpload:
		return "UPLOAD"
	case ReqGenerateID:
		return "GENERATE_ID"
	default:
		return "UNKNOWN"
	}
}

// bodyMergeFields lists the JSON fields body merging lets the newer request
// win on; every other field keeps whatever the pending request already had,
// and "id" is always the existing body's value (spec.md §4.3 "Body merge").
var bodyMergeFields = []string{"name", "mimeType", "modifiedTime", "viewedByMeTime", "parents"}

// RequestItem is one pending remote-mirroring operation.
type RequestItem struct {
	FileID  string
	Type    RequestType
	Node    *Node
	URL     string
	Body    map[string]interface{}
	Headers map[string]string

	attempts int
}

// mergeBody combines pending and incoming bodies per spec.md's body-merge rule.
func mergeBody(pending, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(pending)+len(incoming))
	for k, v := range pending {
		merged[k] = v
	}
	for _, key := range bodyMergeFields {
		if v, ok := incoming[key]; ok {
			merged[key] = v
		}
	}
	if id, ok := pending["id"]; ok {
		merged["id"] = id
	}
	return merged
}

type mergeResult int

const (
	mergeDropNew mergeResult = iota
	mergeAppendNew
	mergeIntoPendingBody
	mergeReplacePendingWithNew
	mergeRemoveBothDropNew
)

// resolveMerge implements the pending/new resolution table in spec.md §4.3.
func resolveMerge(newType, pendingType RequestType) mergeResult {
	switch newType {
	case ReqGet:
		return mergeDropNew

	case ReqInsert:
		switch pendingType {
		case ReqGet, ReqInsert:
			return mergeDropNew
		case ReqUpdate:
			return mergeIntoPendingBody
		case ReqDelete:
			return mergeReplacePendingWithNew
		case ReqUpload:
			return mergeAppendNew
		}

	case ReqUpdate:
		switch pendingType {
		case ReqGet:
			return mergeDropNew
		case ReqInsert, ReqUpdate:
			return mergeIntoPendingBody
		case ReqDelete:
			return mergeDropNew
		case ReqUpload:
			return mergeAppendNew
		}

	case ReqDelete:
		switch pendingType {
		case ReqGet, ReqUpdate, ReqUpload:
			return mergeReplacePendingWithNew
		case ReqInsert:
			return mergeRemoveBothDropNew
		case ReqDelete:
			return mergeDropNew
		}

	case ReqUpload:
		if pendingType == ReqDelete {
			return mergeDropNew
		}
		return mergeAppendNew
	}
	return mergeDropNew
}

// Dispatcher performs one request item's remote I/O, returning whether it
// should be retried (retryable failure) and the terminal error, if any.
type Dispatcher func(item *RequestItem) (retry bool, err error)

// Queue is C6: a FIFO of RequestItems drained by a fixed worker pool guarded
// by a counting semaphore, with a merge/cancellation table at the single
// enqueue path (BuildRequest). Grounded on the teacher's UploadManager
// (fs/upload_manager.go), which serializes per-file upload sessions through
// a queue plus a fixed worker count; generalized here to cover every
// mutating remote operation, not just uploads.
type Queue struct {
	mutex sync.Mutex
	items []*RequestItem

	sem      chan struct{}
	dispatch Dispatcher
	workers  int

	kill chan struct{}
	wg   sync.WaitGroup
}

// NewQueue constructs a queue with workers worker goroutines, each draining
// items through dispatch. Call Start to launch the pool.
func NewQueue(workers int, dispatch Dispatcher) *Queue {
	return &Queue{
		sem:      make(chan struct{}, 1<<20),
		dispatch: dispatch,
		workers:  workers,
		kill:     make(chan struct{}),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
}

// Stop signals every worker to exit and waits for them to drain out.
func (q *Queue) Stop() {
	close(q.kill)
	q.wg.Wait()
}

// Len reports the number of items currently queued, for tests and metrics.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.kill:
			return
		case <-q.sem:
		}

		item := q.popFront()
		if item == nil {
			continue
		}
		item.attempts++

		retry, err := q.dispatch(item)
		if retry {
			log.Warn().Str("type", item.Type.String()).Str("fileID", item.FileID).
				Msg("retryable failure, re-enqueueing")
			time.Sleep(time.Second)
			q.pushFront(item)
			q.post()
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("type", item.Type.String()).Str("fileID", item.FileID).
				Msg("request failed terminally")
		}
	}
}

func (q *Queue) post() {
	select {
	case q.sem <- struct{}{}:
	default:
	}
}

func (q *Queue) popFront() *RequestItem {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *Queue) pushFront(item *RequestItem) {
	q.mutex.Lock()
	q.items = append([]*RequestItem{item}, q.items...)
	q.mutex.Unlock()
}

func (q *Queue) pushBack(item *RequestItem) {
	q.mutex.Lock()
	q.items = append(q.items, item)
	q.mutex.Unlock()
}

// findPending returns the first queued item matching fileID, or nil.
func (q *Queue) findPending(fileID string) *RequestItem {
	for _, it := range q.items {
		if it.FileID == fileID {
			return it
		}
	}
	return nil
}

func (q *Queue) removeItem(target *RequestItem) {
	for i, it := range q.items {
		if it == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// BuildRequest is the sole enqueue path (spec.md §4.3). Hidden files (name
// begins with ".") never generate remote traffic and are silently dropped.
// GENERATE_ID requests aren't file-scoped and are always appended.
func (q *Queue) BuildRequest(item *RequestItem) {
	if item.Node != nil && strings.HasPrefix(item.Node.Name(), ".") {
		return
	}
	if item.Type == ReqGenerateID {
		q.pushBack(item)
		q.post()
		return
	}

	q.mutex.Lock()
	pending := q.findPending(item.FileID)
	if pending == nil {
		q.items = append(q.items, item)
		q.mutex.Unlock()
		q.post()
		return
	}

	switch resolveMerge(item.Type, pending.Type) {
	case mergeDropNew:
		q.mutex.Unlock()
	case mergeAppendNew:
		q.items = append(q.items, item)
		q.mutex.Unlock()
		q.post()
	case mergeIntoPendingBody:
		pending.Body = mergeBody(pending.Body, item.Body)
		q.mutex.Unlock()
	case mergeReplacePendingWithNew:
		q.removeItem(pending)
		q.items = append(q.items, item)
		q.mutex.Unlock()
		q.post()
	case mergeRemoveBothDropNew:
		q.removeItem(pending)
		q.mutex.Unlock()
	default:
		q.mutex.Unlock()
	}
}
