package wire

import (
	"crypto/sha256"
	"hash"
	"io"

	"github.com/cuemby/maelstrom/pkg/digest"
)

// HashingReader wraps an inner reader and computes the SHA-256 digest of
// every byte read from it, so a blob's digest can be verified as it streams
// through to disk instead of being re-read afterward.
type HashingReader struct {
	inner  io.Reader
	hasher hash.Hash
}

// NewHashingReader wraps inner with a running SHA-256 hash.
func NewHashingReader(inner io.Reader) *HashingReader {
	return &HashingReader{inner: inner, hasher: sha256.New()}
}

func (h *HashingReader) Read(buf []byte) (int, error) {
	n, err := h.inner.Read(buf)
	if n > 0 {
		h.hasher.Write(buf[:n])
	}
	return n, err
}

// Digest returns the digest of everything read so far. It is only
// meaningful to call after the caller has drained the reader to EOF.
func (h *HashingReader) Digest() digest.Digest {
	var d digest.Digest
	copy(d[:], h.hasher.Sum(nil))
	return d
}
