package jobspec

import (
	"bytes"
	"testing"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	layers := []LayerSpec{
		{Digest: digest.FromBytes([]byte("base")), Kind: ArtifactTar},
		{Digest: digest.FromBytes([]byte("nested")), Kind: ArtifactManifestV1},
		{Digest: digest.FromBytes([]byte("top")), Kind: ArtifactTar},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeManifest(&buf, layers))

	got, err := DecodeManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers, got)
}

func TestManifestRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeManifest(&buf, nil))

	got, err := DecodeManifest(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeManifestRejectsTruncatedRecord(t *testing.T) {
	_, err := DecodeManifest(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}

func TestDecodeManifestRejectsUnknownKindTag(t *testing.T) {
	rec := make([]byte, manifestRecordSize)
	rec[digest.Size] = 0xff
	_, err := DecodeManifest(bytes.NewReader(rec))
	require.Error(t, err)
}
