package chunkuploader

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-sfile/network"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/docker/go-units"
)

// merge asks the server to assemble the chunks, retrying immediately until
// the merge attempts run out. It must run at most once per session.
func (u *uploader) merge(ctx context.Context) {
	maxAttempts := u.config.ChunkMergeMaxRetryCount

	var record network.FileRecord
	err := retry.Times(uint(maxAttempts - 1)).Wait(0).TryWithAbort(func(_ uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("merge cancelled: %w", err), true
		}

		attempt := u.session.startMergeAttempt()
		u.stats.Merge()

		md5List := u.session.MD5List()
		u.logger.Debugf("Merging %d chunks of %s (attempt %d/%d)", len(md5List), u.session.Filename, attempt, maxAttempts)

		var err error
		record, err = u.config.Transport.MergeChunks(ctx, network.MergeRequest{
			MD5List:   md5List,
			Filename:  u.session.Filename,
			ChunksKey: u.session.ChunksKey,
		})
		if err != nil {
			u.logger.Warnf("Merge attempt %d failed: %v", attempt, err)
			return err, false
		}
		return nil, true
	})
	if err != nil {
		u.session.finishMerge(nil, &MergeError{Attempts: u.session.MergeAttempts(), Err: err})
		return
	}

	u.session.finishMerge(&record, nil)
	u.logger.Donef("File %s uploaded: %s of %s",
		u.session.Filename,
		units.HumanSizeWithPrecision(float64(record.Size), 3),
		units.HumanSizeWithPrecision(float64(u.session.TotalSize), 3))

	if u.config.OnFileUploaded != nil {
		u.config.OnFileUploaded(record)
	}
}
