package chunkuploader

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variables read by ConfigFromEnv.
const (
	ChunkSizeEnvKey                = "SFILE_CHUNK_SIZE"
	ChunkUploadAPIEnvKey           = "SFILE_CHUNK_UPLOAD_API"
	ChunkMergeAPIEnvKey            = "SFILE_CHUNK_MERGE_API"
	ChunkUploadMaxRetryCountEnvKey = "SFILE_CHUNK_UPLOAD_MAX_RETRY"
	ChunkMergeMaxRetryCountEnvKey  = "SFILE_CHUNK_MERGE_MAX_RETRY"
	BaseURLEnvKey                  = "SFILE_BASE_URL"
	TokenEnvKey                    = "SFILE_TOKEN"
)

// ConfigFromEnv starts from DefaultConfig and overrides every value that is
// set in the environment. Chunk sizes accept human readable values like "5MiB".
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(envRepo.Get(ChunkSizeEnvKey)); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", ChunkSizeEnvKey, err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive, got %s", ChunkSizeEnvKey, v)
		}
		cfg.ChunkSize = size
	}

	if v := envRepo.Get(ChunkUploadAPIEnvKey); v != "" {
		cfg.ChunkUploadAPI = v
	}
	if v := envRepo.Get(ChunkMergeAPIEnvKey); v != "" {
		cfg.ChunkMergeAPI = v
	}
	cfg.BaseURL = envRepo.Get(BaseURLEnvKey)
	cfg.Token = envRepo.Get(TokenEnvKey)

	var err error
	if cfg.ChunkUploadMaxRetryCount, err = intFromEnv(envRepo, ChunkUploadMaxRetryCountEnvKey, cfg.ChunkUploadMaxRetryCount); err != nil {
		return Config{}, err
	}
	if cfg.ChunkMergeMaxRetryCount, err = intFromEnv(envRepo, ChunkMergeMaxRetryCountEnvKey, cfg.ChunkMergeMaxRetryCount); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func intFromEnv(envRepo env.Repository, key string, fallback int) (int, error) {
	v := strings.TrimSpace(envRepo.Get(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %d", key, n)
	}
	return n, nil
}
