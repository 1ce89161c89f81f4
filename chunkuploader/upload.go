package chunkuploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-sfile/network"
)

// Upload is the handle of a running chunked upload.
type Upload struct {
	session *Session
	stats   *Stats
	done    chan struct{}

	record *network.FileRecord
	err    error
}

// Done is closed after every chunk task and the merge returned.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the upload finished and returns its outcome.
func (u *Upload) Wait() (network.FileRecord, error) {
	<-u.done
	if u.err != nil {
		return network.FileRecord{}, u.err
	}
	return *u.record, nil
}

// Session exposes the progress of the upload.
func (u *Upload) Session() *Session {
	return u.session
}

// Stats returns the attempt statistics collected so far.
func (u *Upload) Stats() *Stats {
	return u.stats
}

// UploadWithChunks splits src into chunks, uploads all of them concurrently
// and merges them on the server once the last one is acknowledged.
//
// It returns as soon as the tasks are started. The outcome is delivered via
// the callbacks of cfg and via the returned handle. Errors that happen before
// any task started are returned directly and also reported to
// OnFileUploadFailed.
func UploadWithChunks(ctx context.Context, src Source, cfg Config) (*Upload, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	chunks, err := Split(src, cfg.ChunkSize, cfg.Hasher)
	if err != nil {
		err = fmt.Errorf("split %s: %w", src.Name(), err)
		reportFailure(cfg, err)
		return nil, err
	}

	session := newSession(src.Name(), src.Size(), chunks)
	if initiator, ok := cfg.Transport.(network.Initiator); ok {
		chunksKey, err := initiator.Initiate(ctx, session.Filename, session.TotalSize)
		if err != nil {
			err = fmt.Errorf("initiate upload of %s: %w", session.Filename, err)
			reportFailure(cfg, err)
			return nil, err
		}
		session.ChunksKey = chunksKey
	}

	logger.Infof("Uploading %s in %d chunks (session %s)", session.Filename, len(chunks), session.ID)

	w := &uploader{
		config:  cfg,
		session: session,
		stats:   NewStats(),
		logger:  logger,
	}
	upload := &Upload{
		session: session,
		stats:   w.stats,
		done:    make(chan struct{}),
	}

	start := time.Now()
	var wg sync.WaitGroup
	if len(chunks) == 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if session.claimMerge() {
				w.merge(ctx)
			}
		}()
	}
	for _, chunk := range chunks {
		wg.Add(1)
		go func(c *Chunk) {
			defer wg.Done()
			w.uploadChunkWithRetry(ctx, c)
		}(chunk)
	}

	go func() {
		wg.Wait()
		defer close(upload.done)

		upload.record, upload.err = session.result()
		if upload.err == nil {
			logger.Debugf("Upload of %s finished in %v [avg chunk=%v] [failed attempts=%d]",
				session.Filename, time.Since(start).Round(time.Millisecond),
				w.stats.Average().Round(time.Millisecond), w.stats.FailedAttempts())
			return
		}

		logger.Errorf("Upload of %s failed: %s", session.Filename, upload.err)
		abort(ctx, cfg, session)
		reportFailure(cfg, upload.err)
	}()

	return upload, nil
}

// UploadFile uploads the file at path and blocks until the upload finished.
func UploadFile(ctx context.Context, path string, cfg Config) (network.FileRecord, error) {
	src, err := NewFileSource(path)
	if err != nil {
		if cfg.OnFileUploadFailed != nil {
			cfg.OnFileUploadFailed(err)
		}
		return network.FileRecord{}, err
	}
	defer func() {
		if err := src.Close(); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	upload, err := UploadWithChunks(ctx, src, cfg)
	if err != nil {
		return network.FileRecord{}, err
	}
	return upload.Wait()
}

func reportFailure(cfg Config, err error) {
	if cfg.OnFileUploadFailed != nil {
		cfg.OnFileUploadFailed(err)
	}
}

// abort releases the transport side session. It runs even if ctx is done.
func abort(ctx context.Context, cfg Config, session *Session) {
	aborter, ok := cfg.Transport.(network.Aborter)
	if !ok || session.ChunksKey == "" {
		return
	}
	if err := aborter.Abort(context.WithoutCancel(ctx), session.Filename, session.ChunksKey); err != nil {
		cfg.Logger.Warnf("Failed to abort upload of %s: %s", session.Filename, err)
	}
}
