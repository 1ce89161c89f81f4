package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultChunkUploadAPI is the path of the chunk upload endpoint.
	DefaultChunkUploadAPI = "/api/sfile/chunk/upload"
	// DefaultChunkMergeAPI is the path of the chunk merge endpoint.
	DefaultChunkMergeAPI = "/api/sfile/chunk/merge"
)

// Multipart field names of the chunk upload request.
const (
	FieldChunk     = "chunk"
	FieldMD5       = "md5"
	FieldChunksKey = "chunksKey"
)

// ErrMissingDigest is returned when the chunk upload endpoint answers with a
// success status but without a chunk digest.
var ErrMissingDigest = errors.New("response contains no chunk digest")

// HTTPTransportParams ...
type HTTPTransportParams struct {
	// BaseURL is prepended to the endpoint paths unless they are absolute URLs.
	BaseURL        string
	ChunkUploadAPI string
	ChunkMergeAPI  string
	// Token is sent as a Bearer token when not empty.
	Token string
	// Client is used for every request. When nil, a client is created
	// with its own retries disabled, since chunk and merge attempts are
	// budgeted by the caller.
	Client *retryablehttp.Client
}

// HTTPTransport talks to the chunk-upload and chunk-merge HTTP endpoints.
type HTTPTransport struct {
	httpClient *retryablehttp.Client
	uploadURL  string
	mergeURL   string
	token      string
	logger     log.Logger
}

// NewHTTPTransport resolves the endpoint URLs against BaseURL.
func NewHTTPTransport(params HTTPTransportParams, logger log.Logger) *HTTPTransport {
	client := params.Client
	if client == nil {
		client = retryhttp.NewClient(logger)
		client.RetryMax = 0
		client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}

	uploadAPI := params.ChunkUploadAPI
	if uploadAPI == "" {
		uploadAPI = DefaultChunkUploadAPI
	}
	mergeAPI := params.ChunkMergeAPI
	if mergeAPI == "" {
		mergeAPI = DefaultChunkMergeAPI
	}

	return &HTTPTransport{
		httpClient: client,
		uploadURL:  endpointURL(params.BaseURL, uploadAPI),
		mergeURL:   endpointURL(params.BaseURL, mergeAPI),
		token:      params.Token,
		logger:     logger,
	}
}

// UploadChunk posts one chunk as a multipart form with the `chunk` and `md5` fields.
func (t *HTTPTransport) UploadChunk(ctx context.Context, chunk ChunkRequest) (ChunkRecord, error) {
	body, contentType, err := chunkForm(chunk)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("build multipart body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.uploadURL, body)
	if err != nil {
		return ChunkRecord{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))
	t.authorize(req)

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ChunkRecord{}, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChunkRecord{}, unwrapError(resp)
	}

	data, err := decodeEnvelope(resp.Body)
	if err != nil {
		return ChunkRecord{}, err
	}
	if isEmptyJSON(data) {
		return ChunkRecord{}, ErrMissingDigest
	}

	var record ChunkRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return ChunkRecord{}, fmt.Errorf("decode chunk record: %w", err)
	}
	if record.MD5 == "" {
		return ChunkRecord{}, ErrMissingDigest
	}
	record.Raw = data

	return record, nil
}

// MergeChunks posts the ordered digest list as JSON.
// Any 2xx status counts as success; an undecodable body yields an empty record.
func (t *HTTPTransport) MergeChunks(ctx context.Context, merge MergeRequest) (FileRecord, error) {
	if merge.MD5List == nil {
		// `null` would not be a list for the server
		merge.MD5List = []string{}
	}

	body, err := json.Marshal(merge)
	if err != nil {
		return FileRecord{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.mergeURL, body)
	if err != nil {
		return FileRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Merge request dump: %s", string(dump))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return FileRecord{}, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FileRecord{}, unwrapError(resp)
	}

	var record FileRecord
	data, err := decodeEnvelope(resp.Body)
	if err != nil {
		t.logger.Warnf("Merge response is not a valid envelope: %s", err)
		return record, nil
	}
	if !isEmptyJSON(data) {
		if err := json.Unmarshal(data, &record); err != nil {
			t.logger.Warnf("Merge response data can not be decoded: %s", err)
		}
	}
	record.Raw = data

	return record, nil
}

func (t *HTTPTransport) authorize(req *retryablehttp.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))
	}
}

func (t *HTTPTransport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Printf(err.Error())
	}
}

func chunkForm(chunk ChunkRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="chunk-%d"`, FieldChunk, chunk.Index))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, "", err
	}

	if err := mw.WriteField(FieldMD5, chunk.MD5); err != nil {
		return nil, "", err
	}
	if chunk.ChunksKey != "" {
		if err := mw.WriteField(FieldChunksKey, chunk.ChunksKey); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

func decodeEnvelope(r io.Reader) (json.RawMessage, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return env.Data, nil
}

func isEmptyJSON(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	return trimmed == "" || trimmed == "null"
}

func endpointURL(baseURL, api string) string {
	if strings.HasPrefix(api, "http://") || strings.HasPrefix(api, "https://") || baseURL == "" {
		return api
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(api, "/")
}

func unwrapError(resp *http.Response) error {
	errorResp, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
