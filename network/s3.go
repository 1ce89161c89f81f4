package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3TransportParams ...
type S3TransportParams struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
}

// S3API is the subset of the S3 client used by S3Transport.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Transport uploads chunks as the parts of an S3 multipart upload.
// The chunks key is the multipart upload ID, the server digest of a chunk is
// the part ETag and merging completes the multipart upload.
// S3 rejects parts smaller than 5 MiB except the last one, so the chunk size
// has to be at least that large.
type S3Transport struct {
	client    S3API
	bucket    string
	keyPrefix string
	logger    log.Logger
}

// NewS3Transport loads the AWS configuration and creates an S3 backed transport.
func NewS3Transport(ctx context.Context, params S3TransportParams, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3TransportWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.KeyPrefix, logger), nil
}

// NewS3TransportWithClient creates a transport over an already configured client.
func NewS3TransportWithClient(client S3API, bucket, keyPrefix string, logger log.Logger) *S3Transport {
	return &S3Transport{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// Initiate creates the multipart upload and returns its ID.
func (t *S3Transport) Initiate(ctx context.Context, filename string, size int64) (string, error) {
	key := t.objectKey(filename)
	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", describeAPIError(err))
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", fmt.Errorf("create multipart upload: no upload ID returned for %s", key)
	}

	t.logger.Debugf("Multipart upload %s created for s3://%s/%s (%d bytes)", *out.UploadId, t.bucket, key, size)
	return *out.UploadId, nil
}

// UploadChunk uploads the chunk as part Index+1.
func (t *S3Transport) UploadChunk(ctx context.Context, chunk ChunkRequest) (ChunkRecord, error) {
	if chunk.ChunksKey == "" {
		return ChunkRecord{}, fmt.Errorf("chunk %d: multipart upload was not initiated", chunk.Index+1)
	}

	input := &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.objectKey(chunk.Filename)),
		UploadId:      aws.String(chunk.ChunksKey),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(int64(len(chunk.Data))),
	}
	if contentMD5, ok := contentMD5(chunk.MD5); ok {
		input.ContentMD5 = aws.String(contentMD5)
	}

	out, err := t.client.UploadPart(ctx, input)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("upload part %d: %w", chunk.Index+1, describeAPIError(err))
	}

	etag := normalizeETag(aws.ToString(out.ETag))
	if etag == "" {
		return ChunkRecord{}, ErrMissingDigest
	}

	return ChunkRecord{MD5: etag, Size: int64(len(chunk.Data))}, nil
}

// MergeChunks completes the multipart upload with the parts in list order.
func (t *S3Transport) MergeChunks(ctx context.Context, merge MergeRequest) (FileRecord, error) {
	if merge.ChunksKey == "" {
		return FileRecord{}, fmt.Errorf("merge %s: multipart upload was not initiated", merge.Filename)
	}
	key := t.objectKey(merge.Filename)

	md5List := merge.MD5List
	if len(md5List) == 0 {
		// S3 needs at least one part, even for an empty object
		record, err := t.UploadChunk(ctx, ChunkRequest{Filename: merge.Filename, ChunksKey: merge.ChunksKey})
		if err != nil {
			return FileRecord{}, fmt.Errorf("upload empty part: %w", err)
		}
		md5List = []string{record.MD5}
	}

	parts := make([]types.CompletedPart, len(md5List))
	for i, etag := range md5List {
		parts[i] = types.CompletedPart{
			ETag:       aws.String(quoteETag(etag)),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	}

	out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(merge.ChunksKey),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return FileRecord{}, fmt.Errorf("complete multipart upload: %w", describeAPIError(err))
	}

	record := FileRecord{
		Filename: merge.Filename,
		MD5:      normalizeETag(aws.ToString(out.ETag)),
		URL:      aws.ToString(out.Location),
	}

	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		t.logger.Warnf("Failed to read size of s3://%s/%s: %s", t.bucket, key, describeAPIError(err))
	} else {
		record.Size = aws.ToInt64(head.ContentLength)
	}

	return record, nil
}

// Abort releases the parts of an unfinished multipart upload.
func (t *S3Transport) Abort(ctx context.Context, filename, chunksKey string) error {
	if chunksKey == "" {
		return nil
	}
	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(t.objectKey(filename)),
		UploadId: aws.String(chunksKey),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", describeAPIError(err))
	}
	return nil
}

func (t *S3Transport) objectKey(filename string) string {
	if t.keyPrefix == "" {
		return filename
	}
	return path.Join(t.keyPrefix, filename)
}

// contentMD5 converts a hex MD5 digest to the base64 form of the Content-MD5 header.
func contentMD5(hexDigest string) (string, bool) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != 16 {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(raw), true
}

func normalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func quoteETag(etag string) string {
	return `"` + normalizeETag(etag) + `"`
}

func describeAPIError(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		return fmt.Errorf("%s: %s: %w", apiError.ErrorCode(), apiError.ErrorMessage(), err)
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
