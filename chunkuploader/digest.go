package chunkuploader

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Hasher computes the content digest of a chunk.
// The digest depends only on the bytes read from r.
type Hasher interface {
	Digest(r io.Reader) (string, error)
}

// HasherFunc adapts a plain function to the Hasher interface.
type HasherFunc func(r io.Reader) (string, error)

// Digest calls f(r).
func (f HasherFunc) Digest(r io.Reader) (string, error) {
	return f(r)
}

// MD5Hasher produces lowercase hex MD5 digests, the format the chunk endpoints expect.
type MD5Hasher struct{}

// Digest returns the hex MD5 of everything read from r.
func (MD5Hasher) Digest(r io.Reader) (string, error) {
	return hexDigest(md5.New(), r)
}

// SHA256Hasher produces lowercase hex SHA-256 digests.
type SHA256Hasher struct{}

// Digest returns the hex SHA-256 of everything read from r.
func (SHA256Hasher) Digest(r io.Reader) (string, error) {
	return hexDigest(sha256.New(), r)
}

func hexDigest(h hash.Hash, r io.Reader) (string, error) {
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
