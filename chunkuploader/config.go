package chunkuploader

import (
	"github.com/bitrise-io/go-sfile/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultChunkSize is 1 MiB.
	DefaultChunkSize int64 = 1024 * 1024
	// DefaultChunkUploadMaxRetryCount is the number of attempts a chunk gets.
	DefaultChunkUploadMaxRetryCount = 10
	// DefaultChunkMergeMaxRetryCount is the number of attempts the merge gets.
	DefaultChunkMergeMaxRetryCount = 3
)

// ChunkUploadedFunc is called after every acknowledged chunk with the number
// of chunks complete so far across the whole upload.
type ChunkUploadedFunc func(record network.ChunkRecord, uploadedCount, totalCount int)

// FileUploadedFunc is called once the server merged the chunks.
type FileUploadedFunc func(record network.FileRecord)

// FileUploadFailedFunc is called once when the upload can not finish.
type FileUploadFailedFunc func(err error)

// Config holds configuration for one chunked upload.
// Zero values are replaced by defaults; nothing else is validated.
type Config struct {
	// ChunkSize is the size of every chunk but the last, in bytes.
	// Default: 1 MiB
	ChunkSize int64

	// BaseURL is prepended to the endpoint paths of the default HTTP transport.
	BaseURL string
	// ChunkUploadAPI default: /api/sfile/chunk/upload
	ChunkUploadAPI string
	// ChunkMergeAPI default: /api/sfile/chunk/merge
	ChunkMergeAPI string
	// Token is sent as a Bearer token by the default HTTP transport.
	Token string

	// ChunkUploadMaxRetryCount is the number of attempts per chunk.
	// Default: 10
	ChunkUploadMaxRetryCount int
	// ChunkMergeMaxRetryCount is the number of merge attempts.
	// Default: 3
	ChunkMergeMaxRetryCount int

	// Callbacks are invoked one at a time. They may read the Session of the
	// upload but must not wait for the upload to finish.
	OnChunkUploaded    ChunkUploadedFunc
	OnFileUploaded     FileUploadedFunc
	OnFileUploadFailed FileUploadFailedFunc

	// Transport defaults to an HTTP transport built from the fields above.
	Transport network.Transport
	// Hasher default: MD5Hasher
	Hasher Hasher
	// Logger default: log.NewLogger()
	Logger log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:                DefaultChunkSize,
		ChunkUploadAPI:           network.DefaultChunkUploadAPI,
		ChunkMergeAPI:            network.DefaultChunkMergeAPI,
		ChunkUploadMaxRetryCount: DefaultChunkUploadMaxRetryCount,
		ChunkMergeMaxRetryCount:  DefaultChunkMergeMaxRetryCount,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkUploadAPI == "" {
		c.ChunkUploadAPI = network.DefaultChunkUploadAPI
	}
	if c.ChunkMergeAPI == "" {
		c.ChunkMergeAPI = network.DefaultChunkMergeAPI
	}
	if c.ChunkUploadMaxRetryCount <= 0 {
		c.ChunkUploadMaxRetryCount = DefaultChunkUploadMaxRetryCount
	}
	if c.ChunkMergeMaxRetryCount <= 0 {
		c.ChunkMergeMaxRetryCount = DefaultChunkMergeMaxRetryCount
	}
	if c.Hasher == nil {
		c.Hasher = MD5Hasher{}
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	if c.Transport == nil {
		c.Transport = network.NewHTTPTransport(network.HTTPTransportParams{
			BaseURL:        c.BaseURL,
			ChunkUploadAPI: c.ChunkUploadAPI,
			ChunkMergeAPI:  c.ChunkMergeAPI,
			Token:          c.Token,
		}, c.Logger)
	}
	return c
}
