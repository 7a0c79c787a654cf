package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/drivefs/gdfs/internal/driveapi"
)

// UploadChunkSize is the fixed chunk size for the resumable upload protocol
// (spec.md §4.4).
const UploadChunkSize uint64 = 10 * 1024 * 1024

// maxStatusProbes bounds the zero-length "status probe" retries issued when
// neither a 200 nor a Range header comes back from a chunk PUT.
const maxStatusProbes = 10

// chunkRetryDelay is how long putChunk backs off before letting Run retry a
// chunk that came back 404 (spec.md §4.4 step 2c: "sleep and retry the
// chunk"), matching the request queue's own one-second retry cadence
// (fs/queue.go's retry loop).
const chunkRetryDelay = time.Second

// UploadSession tracks one file's resumable-upload progress, snapshotting
// the chunk cursor so a crash mid-upload can resume rather than restart.
// Grounded on the teacher's UploadSession (fs/upload_session.go), trimmed to
// Drive v3's session-URL + Content-Range protocol.
type UploadSession struct {
	FileID    string `json:"fileID"`
	Size      uint64 `json:"size"`
	UploadURL string `json:"uploadURL"`
	Start     uint64 `json:"start"`
}

// uploadJournalBucket is the bbolt bucket resumable sessions are persisted
// under, so an in-flight upload survives a process restart. This durability
// layer supplements spec.md §4.4 (which only specifies the in-memory
// protocol): it does not conflict with the "no offline operation" Non-goal,
// since it only helps a *process restart* resume, not a disconnected client
// operate without the network (see DESIGN.md).
var uploadJournalBucket = []byte("upload_sessions")

// UploadJournal persists UploadSession snapshots to a bbolt database.
type UploadJournal struct {
	db *bolt.DB
}

// OpenUploadJournal opens (creating if absent) the bbolt-backed journal at path.
func OpenUploadJournal(path string) (*UploadJournal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, FatalError("cannot open upload journal", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(uploadJournalBucket)
		return err
	})
	if err != nil {
		return nil, FatalError("cannot initialize upload journal", err)
	}
	return &UploadJournal{db: db}, nil
}

// Close closes the underlying database.
func (j *UploadJournal) Close() error {
	return j.db.Close()
}

// Save persists a session snapshot keyed by FileID.
func (j *UploadJournal) Save(s *UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadJournalBucket).Put([]byte(s.FileID), data)
	})
}

// Load retrieves a previously saved session, or nil if none exists.
func (j *UploadJournal) Load(fileID string) (*UploadSession, error) {
	var s *UploadSession
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(uploadJournalBucket).Get([]byte(fileID))
		if data == nil {
			return nil
		}
		s = &UploadSession{}
		return json.Unmarshal(data, s)
	})
	return s, err
}

// Delete removes a completed or abandoned session from the journal.
func (j *UploadJournal) Delete(fileID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadJournalBucket).Delete([]byte(fileID))
	})
}

// List returns every session currently persisted in the journal, for
// inspection by cmd/gdfs-dbtool.
func (j *UploadJournal) List() ([]*UploadSession, error) {
	var sessions []*UploadSession
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadJournalBucket).ForEach(func(k, v []byte) error {
			s := &UploadSession{}
			if err := json.Unmarshal(v, s); err != nil {
				return err
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	return sessions, err
}

// ChunkReader reads [start, stop] inclusive bytes for an upload chunk,
// typically backed by a File's page set.
type ChunkReader func(start, stop uint64) ([]byte, error)

// Uploader drives the resumable-upload protocol described in spec.md §4.4.
type Uploader struct {
	client  *http.Client
	journal *UploadJournal
}

// NewUploader builds an Uploader using client for HTTP and journal (may be
// nil to disable restart-resumption) for session persistence.
func NewUploader(client *http.Client, journal *UploadJournal) *Uploader {
	return &Uploader{client: client, journal: journal}
}

// InitSession PATCHes sessionURL to obtain the Location header naming the
// actual upload-session URL (spec.md §4.4 step 1).
func (u *Uploader) InitSession(ctx context.Context, sessionURL string, fileID string, size uint64) (*UploadSession, error) {
	if existing, err := u.loadExisting(fileID); err == nil && existing != nil {
		return existing, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sessionURL, nil)
	if err != nil {
		return nil, TransportError(err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, TransportError(err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, IntegrityError("upload session init returned no Location header")
	}

	session := &UploadSession{FileID: fileID, Size: size, UploadURL: location, Start: 0}
	u.persist(session)
	return session, nil
}

func (u *Uploader) loadExisting(fileID string) (*UploadSession, error) {
	if u.journal == nil {
		return nil, nil
	}
	return u.journal.Load(fileID)
}

func (u *Uploader) persist(s *UploadSession) {
	if u.journal == nil {
		return
	}
	if err := u.journal.Save(s); err != nil {
		log.Warn().Err(err).Str("fileID", s.FileID).Msg("failed to persist upload session")
	}
}

// Run drives chunks to completion, reading bytes via read. It is the
// implementation of spec.md §4.4's main upload loop.
func (u *Uploader) Run(ctx context.Context, session *UploadSession, read ChunkReader) error {
	defer func() {
		if u.journal != nil {
			u.journal.Delete(session.FileID)
		}
	}()

	for session.Start < session.Size {
		stop := session.Start + UploadChunkSize - 1
		if stop > session.Size-1 {
			stop = session.Size - 1
		}

		buf, err := read(session.Start, stop)
		if err != nil {
			return err
		}

		done, newStart, err := u.putChunk(ctx, session, buf, session.Start, stop)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		session.Start = newStart
		u.persist(session)
	}
	return nil
}

// putChunk issues the PUT for one chunk and interprets the response per
// spec.md §4.4 steps b-e: a 200 means the whole upload completed; a Range
// header advances the cursor; otherwise a bounded series of status-probe
// PUTs recovers the server's view of how much was actually received.
func (u *Uploader) putChunk(ctx context.Context, session *UploadSession, buf []byte, start, stop uint64) (done bool, newStart uint64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(buf))
	if err != nil {
		return false, 0, TransportError(err)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, stop, session.Size))

	resp, err := u.client.Do(req)
	if err != nil {
		return false, 0, TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 && chunkErrorCode(resp) == "404" {
		time.Sleep(chunkRetryDelay)
		return false, start, nil // caller's loop will retry this same chunk
	}

	if resp.StatusCode == http.StatusOK {
		return true, 0, nil
	}

	if rng := resp.Header.Get("Range"); rng != "" {
		if n, ok := parseRangeUpperBound(rng); ok {
			return false, n + 1, nil
		}
	}

	return u.statusProbe(ctx, session)
}

// statusProbe resends a zero-length probe PUT with "bytes */S" to recover a
// Range header when a chunk response carried neither a 200 nor a Range.
func (u *Uploader) statusProbe(ctx context.Context, session *UploadSession) (done bool, newStart uint64, err error) {
	for i := 0; i < maxStatusProbes; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, nil)
		if err != nil {
			return false, 0, TransportError(err)
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", session.Size))

		resp, err := u.client.Do(req)
		if err != nil {
			return false, 0, TransportError(err)
		}
		func() { defer resp.Body.Close() }()

		if resp.StatusCode == http.StatusOK {
			return true, 0, nil
		}
		if rng := resp.Header.Get("Range"); rng != "" {
			if n, ok := parseRangeUpperBound(rng); ok {
				return false, n + 1, nil
			}
		}
	}
	return false, 0, TransportError(fmt.Errorf("exhausted %d status probes without recovering range", maxStatusProbes))
}

// parseRangeUpperBound extracts N from a "bytes=0-N" or "bytes 0-N" header.
func parseRangeUpperBound(header string) (uint64, bool) {
	idx := strings.Index(header, "-")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(header[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// chunkErrorCode pulls error.code out of a chunk response body. The lookup
// is dynamic (driveapi.ParseValue) because the upload endpoint encodes the
// code as a string where the rest of the API uses a number.
func chunkErrorCode(resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	v, err := driveapi.ParseValue(data)
	if err != nil {
		return ""
	}
	return v.Lookup("error", "code").Text()
}
