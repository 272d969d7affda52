package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader, sizes []int) [][]byte {
	t.Helper()
	var got [][]byte
	for _, size := range sizes {
		buf := make([]byte, size)
		_, err := io.ReadFull(r, buf)
		require.NoError(t, err)
		got = append(got, buf)
	}
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, rest)
	return got
}

func TestChunkReaderArbitraryReadSizes(t *testing.T) {
	input := []byte{0, 0, 0, 5, 1, 2, 3, 4, 5, 0, 0, 0, 2, 6, 7, 0, 0, 0, 0}

	tests := []struct {
		name  string
		sizes []int
	}{
		{name: "split 3-3-1", sizes: []int{3, 3, 1}},
		{name: "split 5-2", sizes: []int{5, 2}},
		{name: "one big read", sizes: []int{7}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewChunkReader(bytes.NewReader(input))
			got := readAll(t, r, tc.sizes)
			flat := bytes.Join(got, nil)
			assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, flat)
		})
	}
}

func TestChunkReaderMissingTerminator(t *testing.T) {
	input := []byte{0, 0, 0, 5, 1, 2, 3, 4, 5, 0, 0, 0, 2, 6, 7}
	r := NewChunkReader(bytes.NewReader(input))

	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChunkWriterBuffersToMaxChunkSize(t *testing.T) {
	tests := []struct {
		name     string
		writes   [][]byte
		expected []byte
	}{
		{
			name:     "single big write splits",
			writes:   [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}},
			expected: []byte{0, 0, 0, 5, 1, 2, 3, 4, 5, 0, 0, 0, 3, 6, 7, 8, 0, 0, 0, 0},
		},
		{
			name:     "many small writes coalesce",
			writes:   [][]byte{{1, 2}, {3, 4}, {5, 6, 7, 8}},
			expected: []byte{0, 0, 0, 5, 1, 2, 3, 4, 5, 0, 0, 0, 3, 6, 7, 8, 0, 0, 0, 0},
		},
		{
			name:     "short write, one partial chunk",
			writes:   [][]byte{{1, 2}},
			expected: []byte{0, 0, 0, 2, 1, 2, 0, 0, 0, 0},
		},
		{
			name:     "write exactly fills one chunk",
			writes:   [][]byte{{1, 2, 3, 4, 5}},
			expected: []byte{0, 0, 0, 5, 1, 2, 3, 4, 5, 0, 0, 0, 0},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			w := NewChunkWriter(&out, 5)
			for _, chunk := range tc.writes {
				n, err := w.Write(chunk)
				require.NoError(t, err)
				assert.Equal(t, len(chunk), n)
			}
			require.NoError(t, w.Finish())
			assert.Equal(t, tc.expected, out.Bytes())
		})
	}
}

func TestChunkWriterFinishTwiceErrors(t *testing.T) {
	var out bytes.Buffer
	w := NewChunkWriter(&out, 5)
	require.NoError(t, w.Finish())
	assert.ErrorIs(t, w.Finish(), ErrAlreadyFinished)
}

func TestChunkRoundTrip(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}

	var encoded bytes.Buffer
	w := NewChunkWriter(&encoded, 7)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	r := NewChunkReader(&encoded)
	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestFixedSizeReaderPadsShortStream(t *testing.T) {
	r := NewFixedSizeReader(bytes.NewReader([]byte{1, 2, 3}), 6)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0}, got)
}

func TestFixedSizeReaderTruncatesLongStream(t *testing.T) {
	r := NewFixedSizeReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6}), 3)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestFixedSizeReaderExactLength(t *testing.T) {
	r := NewFixedSizeReader(bytes.NewReader([]byte{1, 2, 3}), 3)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestHashingReaderComputesDigest(t *testing.T) {
	want := []byte("hash me please")
	r := NewHashingReader(bytes.NewReader(want))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Digest must match hashing the same bytes directly.
	direct := NewHashingReader(bytes.NewReader(want))
	_, _ = io.ReadAll(direct)
	assert.Equal(t, direct.Digest(), r.Digest())
}
