package chunkuploader

import (
	"sync"

	"github.com/bitrise-io/go-sfile/network"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Session is the shared state of one file upload: its chunks, completion
// bookkeeping and merge outcome.
type Session struct {
	ID        string
	Filename  string
	TotalSize int64
	// ChunksKey identifies the transport side session, if the transport opened one.
	ChunksKey string

	chunks []*Chunk

	// notifyMu orders progress notifications. The getters never take it, so
	// callbacks may read the session. Lock order: notifyMu, mu, chunk locks.
	notifyMu sync.Mutex

	// mu serialises completion transitions so that exactly one of them
	// observes all chunks complete.
	mu             sync.Mutex
	mergeTriggered bool
	mergeAttempts  int
	fileRecord     *network.FileRecord
	mergeErr       error
}

func newSession(filename string, totalSize int64, chunks []*Chunk) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Filename:  filename,
		TotalSize: totalSize,
		chunks:    chunks,
	}
}

// Chunks returns the chunks in index order.
func (s *Session) Chunks() []*Chunk {
	chunks := make([]*Chunk, len(s.chunks))
	copy(chunks, s.chunks)
	return chunks
}

// TotalCount returns the number of chunks of the file.
func (s *Session) TotalCount() int {
	return len(s.chunks)
}

// UploadedCount scans all chunks and counts the complete ones.
func (s *Session) UploadedCount() int {
	count := 0
	for _, c := range s.chunks {
		if c.Complete() {
			count++
		}
	}
	return count
}

// MD5List returns the server confirmed digests of the complete chunks in index order.
func (s *Session) MD5List() []string {
	md5List := make([]string, 0, len(s.chunks))
	for _, c := range s.chunks {
		if c.Complete() {
			md5List = append(md5List, c.Digest())
		}
	}
	return md5List
}

// MergeAttempts returns the number of merge attempts started so far.
func (s *Session) MergeAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeAttempts
}

// completeChunk marks c complete and runs notify with the global progress.
// notify runs outside the session lock but under notifyMu, so notifications
// are delivered one at a time in non-decreasing order. It reports whether
// this call completed the last chunk.
func (s *Session) completeChunk(c *Chunk, serverDigest string, notify func(uploaded, total int)) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !c.markComplete(serverDigest) {
		s.mu.Unlock()
		return false
	}
	uploaded, total := s.UploadedCount(), len(s.chunks)
	triggersMerge := uploaded == total && !s.mergeTriggered
	if triggersMerge {
		s.mergeTriggered = true
	}
	s.mu.Unlock()

	if notify != nil {
		notify(uploaded, total)
	}
	return triggersMerge
}

// claimMerge is used when there is no chunk whose completion could trigger the merge.
func (s *Session) claimMerge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeTriggered {
		return false
	}
	s.mergeTriggered = true
	return true
}

func (s *Session) startMergeAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeAttempts++
	return s.mergeAttempts
}

func (s *Session) finishMerge(record *network.FileRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileRecord = record
	s.mergeErr = err
}

// result derives the final outcome once every task of the session returned.
func (s *Session) result() (*network.FileRecord, error) {
	s.mu.Lock()
	record, mergeErr := s.fileRecord, s.mergeErr
	s.mu.Unlock()

	if record != nil {
		return record, nil
	}
	if mergeErr != nil {
		return nil, mergeErr
	}

	var errs *multierror.Error
	for _, c := range s.chunks {
		if c.State() == ChunkExhausted {
			errs = multierror.Append(errs, &ChunkError{Index: c.Index, Attempts: c.Attempts(), Err: c.Err()})
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return nil, &MergeError{Attempts: s.MergeAttempts(), Err: errNotMerged}
}
