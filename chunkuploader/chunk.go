package chunkuploader

import (
	"fmt"
	"io"
	"sync"
)

// ChunkState is the lifecycle position of a chunk.
type ChunkState int

const (
	// ChunkPending chunks have not been attempted yet.
	ChunkPending ChunkState = iota
	// ChunkUploading chunks have at least one attempt in flight or behind them.
	ChunkUploading
	// ChunkComplete chunks were acknowledged by the server. Terminal.
	ChunkComplete
	// ChunkExhausted chunks ran out of attempts. Terminal.
	ChunkExhausted
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkUploading:
		return "uploading"
	case ChunkComplete:
		return "complete"
	case ChunkExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
}

// Chunk is one contiguous byte range of the source.
type Chunk struct {
	Index  int
	Offset int64
	Size   int64

	source Source

	mu       sync.Mutex
	digest   string
	state    ChunkState
	attempts int
	lastErr  error
}

// Payload returns a fresh reader over the chunk bytes.
func (c *Chunk) Payload() io.Reader {
	return c.source.Slice(c.Offset, c.Size)
}

// Digest returns the client digest before the upload and the server
// confirmed digest after it.
func (c *Chunk) Digest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digest
}

// State returns the lifecycle position of the chunk.
func (c *Chunk) State() ChunkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Complete reports whether the server acknowledged the chunk.
func (c *Chunk) Complete() bool {
	return c.State() == ChunkComplete
}

// Attempts returns the number of upload attempts started so far.
func (c *Chunk) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err returns the error of the last failed attempt.
func (c *Chunk) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Chunk) startAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.state == ChunkPending {
		c.state = ChunkUploading
	}
	return c.attempts
}

func (c *Chunk) failAttempt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// markComplete stores the server digest. It returns false when the chunk
// already reached a terminal state.
func (c *Chunk) markComplete(serverDigest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChunkComplete || c.state == ChunkExhausted {
		return false
	}
	c.digest = serverDigest
	c.state = ChunkComplete
	return true
}

func (c *Chunk) markExhausted(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChunkComplete {
		return
	}
	c.state = ChunkExhausted
	c.lastErr = err
}
