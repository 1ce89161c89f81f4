package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is a byte addressable file which can be read in ranges.
// Slice may be called concurrently and repeatedly for the same range.
type Source interface {
	Name() string
	Size() int64
	// Slice returns a reader over [offset, offset+length).
	Slice(offset, length int64) io.Reader
}

// FileSource reads ranges of a file on disk.
// Reads go through ReadAt, so parallel chunk reads don't interfere.
type FileSource struct {
	file *os.File
	name string
	size int64
}

// NewFileSource opens the file at path.
func NewFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		file: file,
		name: filepath.Base(path),
		size: info.Size(),
	}, nil
}

// Name returns the base name of the file.
func (s *FileSource) Name() string {
	return s.name
}

// Size returns the file size at the time it was opened.
func (s *FileSource) Size() int64 {
	return s.size
}

// Slice reads [offset, offset+length) of the file, clamped to its end.
func (s *FileSource) Slice(offset, length int64) io.Reader {
	return io.NewSectionReader(s.file, offset, length)
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// ReaderAtSource serves ranges of any io.ReaderAt with a known size.
type ReaderAtSource struct {
	r    io.ReaderAt
	name string
	size int64
}

// NewReaderAtSource serves size bytes of r under name.
func NewReaderAtSource(name string, r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, name: name, size: size}
}

// NewBytesSource creates a Source from data already in memory.
func NewBytesSource(name string, data []byte) *ReaderAtSource {
	return NewReaderAtSource(name, bytes.NewReader(data), int64(len(data)))
}

// Name returns the name given at creation.
func (s *ReaderAtSource) Name() string {
	return s.name
}

// Size returns the size given at creation.
func (s *ReaderAtSource) Size() int64 {
	return s.size
}

// Slice reads [offset, offset+length) of the underlying reader, clamped to size.
func (s *ReaderAtSource) Slice(offset, length int64) io.Reader {
	return io.NewSectionReader(s.r, offset, length)
}
