package chunkuploader

import (
	"errors"
	"fmt"
)

var (
	// ErrChunkUploadExhausted matches errors of chunks which ran out of attempts.
	ErrChunkUploadExhausted = errors.New("chunk upload attempts exhausted")
	// ErrMergeExhausted matches errors of merges which ran out of attempts.
	ErrMergeExhausted = errors.New("chunk merge attempts exhausted")

	errNotMerged = errors.New("chunks were never merged")
)

// ChunkError describes a chunk that never reached the server.
// Index is zero based, the message numbers chunks from 1.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %s", e.Index+1, e.Attempts, e.Err)
}

// Unwrap returns the error of the last attempt.
func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Is reports ErrChunkUploadExhausted as a match.
func (e *ChunkError) Is(target error) bool {
	return target == ErrChunkUploadExhausted
}

// MergeError describes a merge that the server never accepted.
type MergeError struct {
	Attempts int
	Err      error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed after %d attempts: %s", e.Attempts, e.Err)
}

// Unwrap returns the error of the last merge attempt.
func (e *MergeError) Unwrap() error {
	return e.Err
}

// Is reports ErrMergeExhausted as a match.
func (e *MergeError) Is(target error) bool {
	return target == ErrMergeExhausted
}
