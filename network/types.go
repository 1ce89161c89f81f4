package network

import (
	"context"
	"encoding/json"
)

// ChunkRequest is one attempt at transmitting a single chunk.
type ChunkRequest struct {
	Index     int
	Filename  string
	ChunksKey string
	// MD5 is the client side digest of Data.
	MD5  string
	Data []byte
}

// ChunkRecord is the server's acknowledgement of an uploaded chunk.
// Raw response: {"data":{"md5":"0cc175b9c0f1b6a831c399e269772661","size":1048576}}
type ChunkRecord struct {
	MD5  string `json:"md5"`
	Size int64  `json:"size,omitempty"`

	// Raw holds the complete `data` object as returned by the server.
	Raw json.RawMessage `json:"-"`
}

// MergeRequest asks the server to assemble previously uploaded chunks.
type MergeRequest struct {
	MD5List   []string `json:"md5List"`
	Filename  string   `json:"filename"`
	ChunksKey string   `json:"chunksKey,omitempty"`
}

// FileRecord is the server's description of the merged file.
// Raw response: {"data":{"size":3145728,"filename":"video.mp4","md5":"..."}}
type FileRecord struct {
	Size     int64  `json:"size"`
	Filename string `json:"filename,omitempty"`
	MD5      string `json:"md5,omitempty"`
	URL      string `json:"url,omitempty"`

	// Raw holds the complete `data` object as returned by the server.
	Raw json.RawMessage `json:"-"`
}

// Transport moves chunks and merge requests to the server.
// Implementations must be safe for concurrent use.
type Transport interface {
	UploadChunk(ctx context.Context, req ChunkRequest) (ChunkRecord, error)
	MergeChunks(ctx context.Context, req MergeRequest) (FileRecord, error)
}

// Initiator is implemented by transports which need a server side session
// before the first chunk is sent. The returned key is passed back in every
// ChunkRequest and MergeRequest.
type Initiator interface {
	Initiate(ctx context.Context, filename string, size int64) (chunksKey string, err error)
}

// Aborter is implemented by transports which can release a server side
// session after the upload failed for good.
type Aborter interface {
	Abort(ctx context.Context, filename, chunksKey string) error
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}
