package jobspec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// manifestRecordSize is the fixed width of one encoded LayerSpec: a
// 32-byte digest, a 1-byte kind tag, and 7 bytes of reserved padding. Fixed
// width lets a manifest be read back one record at a time without a
// separate length table.
const manifestRecordSize = digest.Size + 8

const (
	manifestKindTar        byte = 0
	manifestKindManifestV1 byte = 1
)

func encodeManifestKind(kind ArtifactKind) (byte, error) {
	switch kind {
	case ArtifactTar:
		return manifestKindTar, nil
	case ArtifactManifestV1:
		return manifestKindManifestV1, nil
	default:
		return 0, fmt.Errorf("jobspec: unknown artifact kind %q", kind)
	}
}

func decodeManifestKind(b byte) (ArtifactKind, error) {
	switch b {
	case manifestKindTar:
		return ArtifactTar, nil
	case manifestKindManifestV1:
		return ArtifactManifestV1, nil
	default:
		return "", fmt.Errorf("jobspec: unknown manifest kind tag %d", b)
	}
}

// EncodeManifest writes layers as a ManifestV1 artifact body: a sequence of
// fixed-width records, each a layer's digest and kind. Framing each record
// through a wire.FixedSizeReader keeps every record exactly
// manifestRecordSize bytes, so DecodeManifest never has to scan for
// boundaries.
func EncodeManifest(w io.Writer, layers []LayerSpec) error {
	for _, l := range layers {
		kindByte, err := encodeManifestKind(l.Kind)
		if err != nil {
			return err
		}

		var rec bytes.Buffer
		rec.Write(l.Digest[:])
		rec.WriteByte(kindByte)

		fsr := wire.NewFixedSizeReader(&rec, manifestRecordSize)
		if _, err := io.Copy(w, fsr); err != nil {
			return fmt.Errorf("jobspec: writing manifest record: %w", err)
		}
	}
	return nil
}

// DecodeManifest reads a ManifestV1 artifact body written by EncodeManifest
// back into its layer entries.
func DecodeManifest(r io.Reader) ([]LayerSpec, error) {
	var layers []LayerSpec
	buf := make([]byte, manifestRecordSize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return layers, nil
		}
		if err != nil {
			return nil, fmt.Errorf("jobspec: reading manifest record: %w", err)
		}

		var d digest.Digest
		copy(d[:], buf[:digest.Size])
		kind, err := decodeManifestKind(buf[digest.Size])
		if err != nil {
			return nil, err
		}
		layers = append(layers, LayerSpec{Digest: d, Kind: kind})
	}
}
