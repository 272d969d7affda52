// Package digest identifies artifact blobs by their SHA-256 content hash.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// Digest is a 32-byte SHA-256 value. The zero Digest is not a valid content
// hash and is reserved for "absent" in APIs that need one.
type Digest [Size]byte

// FromBytes computes the Digest of b.
func FromBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// FromReader computes the Digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("digest: hashing reader: %w", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Parse decodes a hex-encoded digest, as produced by String.
func Parse(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: parsing %q: %w", s, err)
	}
	if len(b) != Size {
		return Digest{}, fmt.Errorf("digest: %q decodes to %d bytes, want %d", s, len(b), Size)
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// String returns the lower-case hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Compare gives Digest a total order: -1, 0, or 1 as d is less than, equal
// to, or greater than other, compared byte by byte.
func (d Digest) Compare(other Digest) int {
	for i := range d {
		if d[i] != other[i] {
			if d[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether d sorts before other.
func (d Digest) Less(other Digest) bool {
	return d.Compare(other) < 0
}

// MarshalText implements encoding.TextMarshaler so a Digest round-trips
// through JSON and the sidecar cache index as a hex string.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// RelPath returns the path Digest blobs live at under a cache or registry
// root: "sha256/<hex>".
func (d Digest) RelPath() string {
	return "sha256/" + d.String()
}

// Path is what insert_blob/get_for_worker return: the place a blob with a
// given digest and size lives on disk, without committing to a root.
type Path struct {
	Digest Digest
	Size   int64
}


