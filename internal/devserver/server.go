// Package devserver is an in-memory implementation of the chunk upload and
// chunk merge endpoints, meant for local development and tests.
package devserver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-sfile/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxChunkMemory = 32 << 20

// Params ...
type Params struct {
	ChunkUploadAPI string
	ChunkMergeAPI  string
	// Token, when set, is required as a Bearer token on both endpoints.
	Token string
	// PublicURL prefixes the download URL of merged files.
	PublicURL string
}

// File is a merged upload.
type File struct {
	ID       string
	Filename string
	MD5      string
	Data     []byte
}

// Server keeps chunks by digest and assembles them on merge.
type Server struct {
	params Params
	logger log.Logger

	mu     sync.RWMutex
	chunks map[string][]byte
	files  map[string]File
}

// New applies the default endpoint paths where params leave them empty.
func New(params Params, logger log.Logger) *Server {
	if params.ChunkUploadAPI == "" {
		params.ChunkUploadAPI = network.DefaultChunkUploadAPI
	}
	if params.ChunkMergeAPI == "" {
		params.ChunkMergeAPI = network.DefaultChunkMergeAPI
	}
	return &Server{
		params: params,
		logger: logger,
		chunks: map[string][]byte{},
		files:  map[string]File{},
	}
}

// Handler returns the router serving the endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		if s.params.Token != "" {
			r.Use(s.authenticate)
		}
		r.Post(s.params.ChunkUploadAPI, s.handleChunkUpload)
		r.Post(s.params.ChunkMergeAPI, s.handleChunkMerge)
	})
	r.Get("/files/{id}", s.handleDownload)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Infof("Listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ChunkCount returns the number of distinct chunks stored.
func (s *Server) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// File returns the merged file with the given ID.
func (s *Server) File(id string) (File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	return f, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.params.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		http.Error(w, fmt.Sprintf("invalid multipart body: %s", err), http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	part, _, err := r.FormFile(network.FieldChunk)
	if err != nil {
		http.Error(w, fmt.Sprintf("missing %s field", network.FieldChunk), http.StatusBadRequest)
		return
	}
	defer func() { _ = part.Close() }()

	data, err := io.ReadAll(part)
	if err != nil {
		http.Error(w, "failed to read chunk", http.StatusInternalServerError)
		return
	}

	digest := md5Hex(data)
	if claimed := r.FormValue(network.FieldMD5); claimed != "" && !strings.EqualFold(claimed, digest) {
		http.Error(w, fmt.Sprintf("digest mismatch: got %s, computed %s", claimed, digest), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.chunks[digest] = data
	s.mu.Unlock()

	s.logger.Debugf("Stored chunk %s (%d bytes)", digest, len(data))
	writeData(w, network.ChunkRecord{MD5: digest, Size: int64(len(data))})
}

func (s *Server) handleChunkMerge(w http.ResponseWriter, r *http.Request) {
	var req network.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid merge body: %s", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	for _, digest := range req.MD5List {
		chunk, ok := s.chunks[digest]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown chunk: %s", digest), http.StatusConflict)
			return
		}
		data = append(data, chunk...)
	}

	file := File{
		ID:       uuid.NewString(),
		Filename: req.Filename,
		MD5:      md5Hex(data),
		Data:     data,
	}
	s.files[file.ID] = file

	s.logger.Infof("Merged %d chunks into %s (%d bytes)", len(req.MD5List), file.Filename, len(data))
	writeData(w, network.FileRecord{
		Size:     int64(len(data)),
		Filename: file.Filename,
		MD5:      file.MD5,
		URL:      strings.TrimSuffix(s.params.PublicURL, "/") + "/files/" + file.ID,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	file, ok := s.File(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	_, _ = w.Write(file.Data)
}

func writeData(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": v})
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
