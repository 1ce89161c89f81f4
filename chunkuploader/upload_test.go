package chunkuploader

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-sfile/internal/devserver"
	"github.com/bitrise-io/go-sfile/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(transport network.Transport) Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 3
	cfg.Transport = transport
	cfg.Logger = log.NewLogger()
	return cfg
}

func TestUploadWithChunks_Success(t *testing.T) {
	data := []byte("0123456789")
	transport := newFakeTransport()
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", data), rec.attach(testConfig(transport)))
	require.NoError(t, err)

	record, err := upload.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(10), record.Size)
	assert.Equal(t, "data.bin", record.Filename)

	progress, files, failures := rec.snapshot()
	assert.Equal(t, []int{1, 2, 3, 4}, progress)
	assert.Equal(t, []int{4, 4, 4, 4}, rec.totals)
	assert.Len(t, files, 1)
	assert.Empty(t, failures)

	merges := transport.merges()
	require.Len(t, merges, 1)
	assert.Equal(t, []string{
		serverDigest([]byte("012")),
		serverDigest([]byte("345")),
		serverDigest([]byte("678")),
		serverDigest([]byte("9")),
	}, merges[0].MD5List)
	assert.Equal(t, "data.bin", merges[0].Filename)

	session := upload.Session()
	assert.Equal(t, 4, session.UploadedCount())
	assert.Equal(t, 4, session.TotalCount())
	for _, c := range session.Chunks() {
		assert.Equal(t, ChunkComplete, c.State())
		assert.Equal(t, 1, c.Attempts())
	}
	assert.Equal(t, int64(4), upload.Stats().FinishedCount())
	assert.Equal(t, int64(1), upload.Stats().MergeAttempts())
}

func TestUploadWithChunks_SendsClientDigestAndKeepsServerDigest(t *testing.T) {
	data := []byte("abcdef")
	transport := newFakeTransport()

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", data), testConfig(transport))
	require.NoError(t, err)
	_, err = upload.Wait()
	require.NoError(t, err)

	clientDigests := map[int]string{}
	for _, req := range transport.chunkRequests {
		clientDigests[req.Index] = req.MD5
	}
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", clientDigests[0])
	assert.Equal(t, "4ed9407630eb1000c0f6b63842defa7d", clientDigests[1])

	for _, c := range upload.Session().Chunks() {
		assert.NotEqual(t, clientDigests[c.Index], c.Digest())
		assert.True(t, strings.HasPrefix(c.Digest(), "srv-"))
	}
}

func TestUploadWithChunks_StaggeredCompletion(t *testing.T) {
	data := []byte("0123456789abcdef")
	transport := newFakeTransport()
	// first chunk finishes last
	transport.chunkDelay = func(index int) time.Duration {
		return time.Duration(6-index) * 15 * time.Millisecond
	}
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", data), rec.attach(testConfig(transport)))
	require.NoError(t, err)
	_, err = upload.Wait()
	require.NoError(t, err)

	progress, _, _ := rec.snapshot()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)

	merges := transport.merges()
	require.Len(t, merges, 1)
	require.Len(t, merges[0].MD5List, 6)
	for i, c := range upload.Session().Chunks() {
		assert.Equal(t, c.Digest(), merges[0].MD5List[i])
	}
	assert.Equal(t, serverDigest([]byte("012")), merges[0].MD5List[0])
	assert.Equal(t, serverDigest([]byte("f")), merges[0].MD5List[5])
}

func TestUploadWithChunks_RetriesFailedChunk(t *testing.T) {
	transport := newFakeTransport()
	transport.chunkFailures[2] = 2
	cfg := testConfig(transport)
	cfg.ChunkUploadMaxRetryCount = 3
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123456789")), rec.attach(cfg))
	require.NoError(t, err)
	_, err = upload.Wait()
	require.NoError(t, err)

	assert.Equal(t, 3, transport.attemptsOf(2))
	assert.Equal(t, 3, upload.Session().Chunks()[2].Attempts())
	for _, i := range []int{0, 1, 3} {
		assert.Equal(t, 1, transport.attemptsOf(i))
	}
	assert.Equal(t, int64(2), upload.Stats().FailedAttempts())

	_, files, failures := rec.snapshot()
	assert.Len(t, files, 1)
	assert.Empty(t, failures)
	assert.Len(t, transport.merges(), 1)
}

func TestUploadWithChunks_ChunkExhausted(t *testing.T) {
	transport := newFakeTransport()
	transport.chunkFailures[1] = 3
	cfg := testConfig(transport)
	cfg.ChunkUploadMaxRetryCount = 3
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123456789")), rec.attach(cfg))
	require.NoError(t, err)

	_, err = upload.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChunkUploadExhausted))

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 1, chunkErr.Index)
	assert.Equal(t, 3, chunkErr.Attempts)

	assert.Equal(t, 3, transport.attemptsOf(1))
	assert.Equal(t, ChunkExhausted, upload.Session().Chunks()[1].State())
	assert.Equal(t, 3, upload.Session().UploadedCount())
	assert.Empty(t, transport.merges())

	progress, files, failures := rec.snapshot()
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Empty(t, files)
	require.Len(t, failures, 1)
	assert.Equal(t, err, failures[0])
}

func TestUploadWithChunks_MergeExhausted(t *testing.T) {
	transport := newFakeTransport()
	transport.mergeFailures = -1
	cfg := testConfig(transport)
	cfg.ChunkMergeMaxRetryCount = 2
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123456789")), rec.attach(cfg))
	require.NoError(t, err)

	_, err = upload.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMergeExhausted))

	assert.Len(t, transport.merges(), 2)
	assert.Equal(t, 2, upload.Session().MergeAttempts())
	assert.Equal(t, int64(2), upload.Stats().MergeAttempts())

	_, files, failures := rec.snapshot()
	assert.Empty(t, files)
	assert.Len(t, failures, 1)
}

func TestUploadWithChunks_MergeRetried(t *testing.T) {
	transport := newFakeTransport()
	transport.mergeFailures = 2
	cfg := testConfig(transport)
	cfg.ChunkMergeMaxRetryCount = 3
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123456789")), rec.attach(cfg))
	require.NoError(t, err)
	_, err = upload.Wait()
	require.NoError(t, err)

	merges := transport.merges()
	require.Len(t, merges, 3)
	assert.Equal(t, merges[0].MD5List, merges[2].MD5List)

	_, files, failures := rec.snapshot()
	assert.Len(t, files, 1)
	assert.Empty(t, failures)
}

func TestUploadWithChunks_EmptyFile(t *testing.T) {
	transport := newFakeTransport()
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("empty.bin", nil), rec.attach(testConfig(transport)))
	require.NoError(t, err)

	record, err := upload.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Size)

	merges := transport.merges()
	require.Len(t, merges, 1)
	assert.Equal(t, []string{}, merges[0].MD5List)
	assert.Empty(t, transport.chunkRequests)

	progress, files, failures := rec.snapshot()
	assert.Empty(t, progress)
	assert.Len(t, files, 1)
	assert.Empty(t, failures)
}

func TestUploadWithChunks_ChunkLargerThanFile(t *testing.T) {
	transport := newFakeTransport()
	cfg := testConfig(transport)
	cfg.ChunkSize = 1024

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("small.bin", []byte("small")), cfg)
	require.NoError(t, err)
	_, err = upload.Wait()
	require.NoError(t, err)

	merges := transport.merges()
	require.Len(t, merges, 1)
	assert.Equal(t, []string{serverDigest([]byte("small"))}, merges[0].MD5List)
}

func TestUploadWithChunks_SplitError(t *testing.T) {
	cfg := testConfig(newFakeTransport())
	cfg.Hasher = HasherFunc(func(_ io.Reader) (string, error) {
		return "", errors.New("disk on fire")
	})
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123")), rec.attach(cfg))
	require.Error(t, err)
	assert.Nil(t, upload)
	assert.Contains(t, err.Error(), "disk on fire")

	_, _, failures := rec.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, err, failures[0])
}

func TestUploadWithChunks_TransportSession(t *testing.T) {
	t.Run("chunks key is carried through", func(t *testing.T) {
		transport := &sessionTransport{fakeTransport: newFakeTransport()}

		upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123")), testConfig(transport))
		require.NoError(t, err)
		_, err = upload.Wait()
		require.NoError(t, err)

		assert.Equal(t, "key-data.bin", upload.Session().ChunksKey)
		for _, req := range transport.chunkRequests {
			assert.Equal(t, "key-data.bin", req.ChunksKey)
		}
		assert.Equal(t, "key-data.bin", transport.merges()[0].ChunksKey)
		assert.Empty(t, transport.aborted)
	})

	t.Run("failed upload is aborted", func(t *testing.T) {
		transport := &sessionTransport{fakeTransport: newFakeTransport()}
		transport.mergeFailures = -1

		upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123")), testConfig(transport))
		require.NoError(t, err)
		_, err = upload.Wait()
		require.Error(t, err)

		transport.mu.Lock()
		defer transport.mu.Unlock()
		assert.Equal(t, []string{"key-data.bin"}, transport.aborted)
	})

	t.Run("initiate error", func(t *testing.T) {
		transport := &sessionTransport{fakeTransport: newFakeTransport(), initErr: errors.New("AccessDenied")}
		rec := &recorder{}

		upload, err := UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123")), rec.attach(testConfig(transport)))
		require.Error(t, err)
		assert.Nil(t, upload)
		assert.Empty(t, transport.chunkRequests)

		_, _, failures := rec.snapshot()
		assert.Len(t, failures, 1)
	})
}

func TestUploadWithChunks_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := newFakeTransport()
	rec := &recorder{}

	upload, err := UploadWithChunks(ctx, NewBytesSource("data.bin", []byte("0123456789")), rec.attach(testConfig(transport)))
	require.NoError(t, err)

	_, err = upload.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "chunk 1 failed after 0 attempts: chunk 1 upload cancelled: context canceled")
	assert.Empty(t, transport.chunkRequests)
	assert.Empty(t, transport.merges())

	_, _, failures := rec.snapshot()
	assert.Len(t, failures, 1)
}

func TestUploadWithChunks_DevServer(t *testing.T) {
	server := devserver.New(devserver.Params{Token: "secret"}, log.NewLogger())
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	data := make([]byte, 10*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ChunkSize = 1024
	cfg.BaseURL = srv.URL
	cfg.Token = "secret"
	cfg.Logger = log.NewLogger()
	rec := &recorder{}

	upload, err := UploadWithChunks(context.Background(), NewBytesSource("random.bin", data), rec.attach(cfg))
	require.NoError(t, err)

	record, err := upload.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), record.Size)
	assert.Equal(t, "random.bin", record.Filename)

	wantDigest, err := MD5Hasher{}.Digest(NewBytesSource("", data).Slice(0, int64(len(data))))
	require.NoError(t, err)
	assert.Equal(t, wantDigest, record.MD5)

	file, ok := server.File(strings.TrimPrefix(record.URL, "/files/"))
	require.True(t, ok)
	assert.Equal(t, data, file.Data)
	assert.Equal(t, 11, server.ChunkCount())

	progress, files, failures := rec.snapshot()
	assert.Len(t, progress, 11)
	assert.Equal(t, 11, progress[len(progress)-1])
	assert.Len(t, files, 1)
	assert.Empty(t, failures)
}

func TestUploadFile(t *testing.T) {
	server := devserver.New(devserver.Params{}, log.NewLogger())
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("the quick brown fox jumps over the lazy dog"), 0644))

	cfg := DefaultConfig()
	cfg.ChunkSize = 8
	cfg.BaseURL = srv.URL

	record, err := UploadFile(context.Background(), path, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(43), record.Size)
	assert.Equal(t, "report.txt", record.Filename)

	_, err = UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), cfg)
	require.Error(t, err)
}

func TestUploadWithChunks_CallbackReadsSession(t *testing.T) {
	transport := newFakeTransport()
	transport.chunkDelay = func(int) time.Duration { return 5 * time.Millisecond }
	cfg := testConfig(transport)

	ready := make(chan struct{})
	var upload *Upload

	var mergeAttempts, uploadedCounts []int
	cfg.OnChunkUploaded = func(_ network.ChunkRecord, _, _ int) {
		<-ready
		session := upload.Session()
		mergeAttempts = append(mergeAttempts, session.MergeAttempts())
		uploadedCounts = append(uploadedCounts, session.UploadedCount())
	}

	var err error
	upload, err = UploadWithChunks(context.Background(), NewBytesSource("data.bin", []byte("0123456789")), cfg)
	require.NoError(t, err)
	close(ready)

	select {
	case <-upload.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish while callbacks read the session")
	}

	_, err = upload.Wait()
	require.NoError(t, err)
	assert.Len(t, transport.merges(), 1)
	assert.Equal(t, []int{0, 0, 0, 0}, mergeAttempts)
	require.Len(t, uploadedCounts, 4)
	assert.Equal(t, 4, uploadedCounts[3])
}
