package digest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesAndString(t *testing.T) {
	d := FromBytes([]byte("hello"))
	assert.Len(t, d.String(), 64)
	assert.False(t, d.IsZero())
}

func TestFromReader(t *testing.T) {
	d, err := FromReader(bytes.NewBufferString("hello"))
	require.NoError(t, err)
	assert.Equal(t, FromBytes([]byte("hello")), d)
}

func TestParseRoundTrip(t *testing.T) {
	want := FromBytes([]byte("round trip me"))
	got, err := Parse(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "not hex", in: strings.Repeat("z", 64)},
		{name: "too short", in: "abcd"},
		{name: "too long", in: strings.Repeat("ab", 40)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			assert.Error(t, err)
		})
	}
}

func TestCompareAndLess(t *testing.T) {
	a := FromBytes([]byte("a"))
	b := FromBytes([]byte("b"))

	assert.Equal(t, 0, a.Compare(a))
	if a.Less(b) {
		assert.Equal(t, -1, a.Compare(b))
		assert.Equal(t, 1, b.Compare(a))
	} else {
		assert.Equal(t, 1, a.Compare(b))
		assert.Equal(t, -1, b.Compare(a))
	}
}

func TestMarshalTextRoundTrip(t *testing.T) {
	want := FromBytes([]byte("marshal me"))
	text, err := want.MarshalText()
	require.NoError(t, err)

	var got Digest
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, want, got)
}

func TestRelPath(t *testing.T) {
	d := FromBytes([]byte("layer"))
	assert.Equal(t, "sha256/"+d.String(), d.RelPath())
}

func TestZeroDigest(t *testing.T) {
	var d Digest
	assert.True(t, d.IsZero())
}


