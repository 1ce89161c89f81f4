package chunkuploader

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-sfile/network"
)

// fakeTransport fails the first chunkFailures[i] attempts of chunk i and the
// first mergeFailures merge attempts. A negative mergeFailures fails every merge.
type fakeTransport struct {
	chunkFailures map[int]int
	mergeFailures int
	chunkDelay    func(index int) time.Duration

	mu            sync.Mutex
	chunkAttempts map[int]int
	chunkRequests []network.ChunkRequest
	mergeRequests []network.MergeRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		chunkFailures: map[int]int{},
		chunkAttempts: map[int]int{},
	}
}

// serverDigest differs from the client digest on purpose, so tests can tell
// which of the two ended up in the merge list.
func serverDigest(data []byte) string {
	digest, _ := MD5Hasher{}.Digest(bytes.NewReader(data))
	return "srv-" + digest
}

func (f *fakeTransport) UploadChunk(_ context.Context, req network.ChunkRequest) (network.ChunkRecord, error) {
	f.mu.Lock()
	f.chunkAttempts[req.Index]++
	attempt := f.chunkAttempts[req.Index]
	fail := attempt <= f.chunkFailures[req.Index]
	f.chunkRequests = append(f.chunkRequests, req)
	f.mu.Unlock()

	if f.chunkDelay != nil {
		time.Sleep(f.chunkDelay(req.Index))
	}
	if fail {
		return network.ChunkRecord{}, fmt.Errorf("HTTP 500: chunk %d attempt %d", req.Index+1, attempt)
	}
	return network.ChunkRecord{MD5: serverDigest(req.Data), Size: int64(len(req.Data))}, nil
}

func (f *fakeTransport) MergeChunks(_ context.Context, req network.MergeRequest) (network.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mergeRequests = append(f.mergeRequests, req)
	if f.mergeFailures < 0 || len(f.mergeRequests) <= f.mergeFailures {
		return network.FileRecord{}, fmt.Errorf("HTTP 409: merge attempt %d", len(f.mergeRequests))
	}

	size := 0
	for _, r := range f.chunkRequests {
		for _, digest := range req.MD5List {
			if serverDigest(r.Data) == digest {
				size += len(r.Data)
				break
			}
		}
	}
	return network.FileRecord{Size: int64(size), Filename: req.Filename}, nil
}

func (f *fakeTransport) attemptsOf(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkAttempts[index]
}

func (f *fakeTransport) merges() []network.MergeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.MergeRequest(nil), f.mergeRequests...)
}

// sessionTransport adds the optional Initiator and Aborter capabilities.
type sessionTransport struct {
	*fakeTransport
	initErr error

	mu      sync.Mutex
	aborted []string
}

func (s *sessionTransport) Initiate(_ context.Context, filename string, _ int64) (string, error) {
	if s.initErr != nil {
		return "", s.initErr
	}
	return "key-" + filename, nil
}

func (s *sessionTransport) Abort(_ context.Context, _, chunksKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, chunksKey)
	return nil
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	progress []int
	totals   []int
	records  []network.ChunkRecord
	files    []network.FileRecord
	failures []error
}

func (r *recorder) attach(cfg Config) Config {
	cfg.OnChunkUploaded = func(record network.ChunkRecord, uploaded, total int) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.records = append(r.records, record)
		r.progress = append(r.progress, uploaded)
		r.totals = append(r.totals, total)
	}
	cfg.OnFileUploaded = func(record network.FileRecord) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.files = append(r.files, record)
	}
	cfg.OnFileUploadFailed = func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.failures = append(r.failures, err)
	}
	return cfg
}

func (r *recorder) snapshot() ([]int, []network.FileRecord, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...),
		append([]network.FileRecord(nil), r.files...),
		append([]error(nil), r.failures...)
}
