package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bitrise-io/go-sfile/chunkuploader"
	"github.com/bitrise-io/go-sfile/network"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// S3 rejects multipart parts below this size, except for the last one.
const s3MinPartSize = 5 * 1024 * 1024

var uploadFlags struct {
	chunkSize     string
	baseURL       string
	uploadAPI     string
	mergeAPI      string
	token         string
	uploadRetries int
	mergeRetries  int
	verbose       bool

	s3Bucket          string
	s3Region          string
	s3KeyPrefix       string
	s3AccessKeyID     string
	s3SecretAccessKey string
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.StringVar(&uploadFlags.chunkSize, "chunk-size", "", "chunk size, like 1MiB (env: "+chunkuploader.ChunkSizeEnvKey+")")
	f.StringVar(&uploadFlags.baseURL, "base-url", "", "server base URL (env: "+chunkuploader.BaseURLEnvKey+")")
	f.StringVar(&uploadFlags.uploadAPI, "upload-api", "", "chunk upload path (env: "+chunkuploader.ChunkUploadAPIEnvKey+")")
	f.StringVar(&uploadFlags.mergeAPI, "merge-api", "", "chunk merge path (env: "+chunkuploader.ChunkMergeAPIEnvKey+")")
	f.StringVar(&uploadFlags.token, "token", "", "Bearer token (env: "+chunkuploader.TokenEnvKey+")")
	f.IntVar(&uploadFlags.uploadRetries, "upload-retries", 0, "attempts per chunk (env: "+chunkuploader.ChunkUploadMaxRetryCountEnvKey+")")
	f.IntVar(&uploadFlags.mergeRetries, "merge-retries", 0, "merge attempts (env: "+chunkuploader.ChunkMergeMaxRetryCountEnvKey+")")
	f.BoolVar(&uploadFlags.verbose, "verbose", false, "debug logging")

	f.StringVar(&uploadFlags.s3Bucket, "s3-bucket", "", "upload to this S3 bucket with multipart uploads instead of the HTTP endpoints")
	f.StringVar(&uploadFlags.s3Region, "s3-region", "", "S3 region")
	f.StringVar(&uploadFlags.s3KeyPrefix, "s3-key-prefix", "", "prefix of the object keys")
	f.StringVar(&uploadFlags.s3AccessKeyID, "s3-access-key-id", "", "AWS access key ID, the default credential chain is used when empty")
	f.StringVar(&uploadFlags.s3SecretAccessKey, "s3-secret-access-key", "", "AWS secret access key")
}

var uploadCmd = &cobra.Command{
	Use:   "upload [flags] PATH...",
	Short: "Upload files in chunks",
	Long:  `Uploads every file matching the given paths. Paths may contain ** glob patterns.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogger()
		logger.EnableDebugLog(uploadFlags.verbose)

		cfg, err := uploadConfig(cmd, env.NewRepository(), logger)
		if err != nil {
			return err
		}

		if uploadFlags.s3Bucket != "" {
			if cfg.ChunkSize < s3MinPartSize {
				logger.Warnf("Chunk size %s is below the S3 minimum part size of %s, multi-chunk uploads will fail",
					units.BytesSize(float64(cfg.ChunkSize)), units.BytesSize(s3MinPartSize))
			}
			transport, err := network.NewS3Transport(cmd.Context(), network.S3TransportParams{
				Region:          uploadFlags.s3Region,
				Bucket:          uploadFlags.s3Bucket,
				KeyPrefix:       uploadFlags.s3KeyPrefix,
				AccessKeyID:     uploadFlags.s3AccessKeyID,
				SecretAccessKey: uploadFlags.s3SecretAccessKey,
			}, logger)
			if err != nil {
				return err
			}
			cfg.Transport = transport
		}

		resolver := pathResolver{
			pathModifier: pathutil.NewPathModifier(),
			pathChecker:  pathutil.NewPathChecker(),
			logger:       logger,
		}
		paths, err := resolver.resolve(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return errors.New("no files to upload")
		}

		var errs *multierror.Error
		for _, path := range paths {
			if err := uploadOne(cmd, path, cfg); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
		return errs.ErrorOrNil()
	},
}

func uploadOne(cmd *cobra.Command, path string, cfg chunkuploader.Config) error {
	out := cmd.OutOrStdout()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfg.OnChunkUploaded = func(_ network.ChunkRecord, uploaded, total int) {
		fmt.Fprintf(out, "chunk upload complete: %d/%d\n", uploaded, total)
	}
	cfg.OnFileUploaded = func(record network.FileRecord) {
		fmt.Fprintf(out, "file upload complete: %d/%d\n", record.Size, info.Size())
		if record.URL != "" {
			fmt.Fprintf(out, "url: %s\n", record.URL)
		}
	}

	_, err = chunkuploader.UploadFile(cmd.Context(), path, cfg)
	return err
}

// uploadConfig reads the environment and applies the flags given on the command line over it.
func uploadConfig(cmd *cobra.Command, envRepo env.Repository, logger log.Logger) (chunkuploader.Config, error) {
	cfg, err := chunkuploader.ConfigFromEnv(envRepo)
	if err != nil {
		return chunkuploader.Config{}, err
	}
	cfg.Logger = logger

	flags := cmd.Flags()
	if flags.Changed("chunk-size") {
		size, err := units.RAMInBytes(uploadFlags.chunkSize)
		if err != nil {
			return chunkuploader.Config{}, fmt.Errorf("invalid --chunk-size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if flags.Changed("base-url") {
		cfg.BaseURL = uploadFlags.baseURL
	}
	if flags.Changed("upload-api") {
		cfg.ChunkUploadAPI = uploadFlags.uploadAPI
	}
	if flags.Changed("merge-api") {
		cfg.ChunkMergeAPI = uploadFlags.mergeAPI
	}
	if flags.Changed("token") {
		cfg.Token = uploadFlags.token
	}
	if flags.Changed("upload-retries") {
		cfg.ChunkUploadMaxRetryCount = uploadFlags.uploadRetries
	}
	if flags.Changed("merge-retries") {
		cfg.ChunkMergeMaxRetryCount = uploadFlags.mergeRetries
	}

	logger.Debugf("Chunk size: %s, attempts per chunk: %d, merge attempts: %d",
		units.BytesSize(float64(cfg.ChunkSize)), cfg.ChunkUploadMaxRetryCount, cfg.ChunkMergeMaxRetryCount)

	return cfg, nil
}
