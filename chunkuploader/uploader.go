package chunkuploader

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-sfile/network"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// uploader drives the chunk and merge tasks of one session.
type uploader struct {
	config  Config
	session *Session
	stats   *Stats
	logger  log.Logger
}

// uploadChunkWithRetry attempts the chunk until the server acknowledges it or
// the attempts run out. Attempts follow each other without delay. When this
// chunk turns out to be the last one to complete, the merge runs on the same
// goroutine.
func (u *uploader) uploadChunkWithRetry(ctx context.Context, chunk *Chunk) {
	maxAttempts := u.config.ChunkUploadMaxRetryCount
	totalChunks := u.session.TotalCount()
	triggersMerge := false

	err := retry.Times(uint(maxAttempts - 1)).Wait(0).TryWithAbort(func(_ uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", chunk.Index+1, err), true
		}

		attempt := chunk.startAttempt()
		u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			chunk.Index+1, totalChunks, attempt, maxAttempts,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		record, err := u.uploadChunk(ctx, chunk)
		if err != nil {
			u.stats.Fail()
			chunk.failAttempt(err)
			u.logger.Warnf("Chunk %d attempt %d failed: %v", chunk.Index+1, attempt, err)
			return err, false
		}

		took := time.Since(start)
		u.stats.Update(took)
		u.logger.Debugf("Chunk %d uploaded in %v, digest: %s", chunk.Index+1, took.Round(time.Millisecond), record.MD5)

		triggersMerge = u.session.completeChunk(chunk, record.MD5, func(uploaded, total int) {
			if u.config.OnChunkUploaded != nil {
				u.config.OnChunkUploaded(record, uploaded, total)
			}
		})
		return nil, true
	})
	if err != nil {
		chunk.markExhausted(err)
		u.logger.Errorf("Chunk %d abandoned after %d attempts: %s", chunk.Index+1, chunk.Attempts(), err)
		return
	}

	if triggersMerge {
		u.merge(ctx)
	}
}

// uploadChunk is a single attempt. A response without digest is a failure.
func (u *uploader) uploadChunk(ctx context.Context, chunk *Chunk) (network.ChunkRecord, error) {
	data, err := io.ReadAll(chunk.Payload())
	if err != nil {
		return network.ChunkRecord{}, fmt.Errorf("read chunk %d: %w", chunk.Index+1, err)
	}

	record, err := u.config.Transport.UploadChunk(ctx, network.ChunkRequest{
		Index:     chunk.Index,
		Filename:  u.session.Filename,
		ChunksKey: u.session.ChunksKey,
		MD5:       chunk.Digest(),
		Data:      data,
	})
	if err != nil {
		return network.ChunkRecord{}, err
	}
	if record.MD5 == "" {
		return network.ChunkRecord{}, network.ErrMissingDigest
	}

	return record, nil
}
