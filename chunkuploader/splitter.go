package chunkuploader

import (
	"fmt"
)

// NumChunks returns ceil(size/chunkSize).
func NumChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Split divides src into chunks of chunkSize bytes (the last one may be
// shorter) and hashes every chunk before returning. A failed hash aborts the
// whole split and no chunks are returned.
func Split(src Source, chunkSize int64, hasher Hasher) ([]*Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if hasher == nil {
		hasher = MD5Hasher{}
	}

	size := src.Size()
	chunks := make([]*Chunk, 0, NumChunks(size, chunkSize))
	for index, start := 0, int64(0); start < size; index++ {
		end := start + chunkSize
		if end > size {
			end = size
		}

		chunk := &Chunk{
			Index:  index,
			Offset: start,
			Size:   end - start,
			source: src,
		}
		digest, err := hasher.Digest(chunk.Payload())
		if err != nil {
			return nil, fmt.Errorf("hash chunk %d: %w", index+1, err)
		}
		chunk.digest = digest

		chunks = append(chunks, chunk)
		start = end
	}

	return chunks, nil
}
