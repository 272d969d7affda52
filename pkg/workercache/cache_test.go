package workercache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeBlobFetcher pretends to download by writing size bytes to destDir.
func writeBlobFetcher(size int64, calls *atomic.Int64) Fetcher {
	return FetcherFunc(func(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
		if calls != nil {
			calls.Add(1)
		}
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return 0, err
		}
		data := make([]byte, size)
		if err := os.WriteFile(filepath.Join(destDir, "layer"), data, 0o644); err != nil {
			return 0, err
		}
		return size, nil
	})
}

func testDigest(b byte) digest.Digest {
	return digest.FromBytes([]byte{b})
}

func TestGetOrFetchDownloadsOnceAndHitsAfterward(t *testing.T) {
	var calls atomic.Int64
	c, err := New(Config{Root: t.TempDir(), BytesUsedTarget: 1 << 20}, writeBlobFetcher(100, &calls))
	require.NoError(t, err)
	defer c.Close()

	d := testDigest(1)
	first, err := c.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)
	second, err := c.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 100, c.BytesInUse())
}

func TestConcurrentGetOrFetchSharesOneDownload(t *testing.T) {
	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := FetcherFunc(func(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
		calls.Add(1)
		close(started)
		<-release
		return writeBlobFetcher(10, nil).Fetch(d, kind, destDir)
	})

	c, err := New(Config{Root: t.TempDir(), BytesUsedTarget: 1 << 20}, fetcher)
	require.NoError(t, err)
	defer c.Close()

	d := testDigest(2)
	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = c.GetOrFetch(d, jobspec.ArtifactTar)
		}(i)
	}
	<-started
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, paths[0], paths[1])
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchFailureReachesEveryWaiterAndIsRetryable(t *testing.T) {
	fail := true
	fetcher := FetcherFunc(func(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
		if fail {
			return 0, errors.New("broker unreachable")
		}
		return writeBlobFetcher(10, nil).Fetch(d, kind, destDir)
	})
	c, err := New(Config{Root: t.TempDir(), BytesUsedTarget: 1 << 20}, fetcher)
	require.NoError(t, err)
	defer c.Close()

	d := testDigest(3)
	_, err = c.GetOrFetch(d, jobspec.ArtifactTar)
	require.Error(t, err)

	// A failed download leaves no entry behind, so a later call retries.
	fail = false
	path, err := c.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)
	assert.DirExists(t, path)
}

func TestEvictionIsLRUAndStopsAtTarget(t *testing.T) {
	c, err := New(Config{Root: t.TempDir(), BytesUsedTarget: 250}, writeBlobFetcher(100, nil))
	require.NoError(t, err)
	defer c.Close()

	d1, d2, d3 := testDigest(1), testDigest(2), testDigest(3)
	p1, err := c.GetOrFetch(d1, jobspec.ArtifactTar)
	require.NoError(t, err)
	_, err = c.GetOrFetch(d2, jobspec.ArtifactTar)
	require.NoError(t, err)

	// Touch d1 so d2 is now the least recently used.
	_, err = c.GetOrFetch(d1, jobspec.ArtifactTar)
	require.NoError(t, err)

	// The third entry pushes usage to 300 > 250; d2 must go.
	_, err = c.GetOrFetch(d3, jobspec.ArtifactTar)
	require.NoError(t, err)

	assert.LessOrEqual(t, c.BytesInUse(), int64(250))
	assert.DirExists(t, p1)
	_, statErr := os.Stat(filepath.Join(c.cfg.Root, d2.RelPath()))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c, err := New(Config{Root: t.TempDir(), BytesUsedTarget: 150}, writeBlobFetcher(100, nil))
	require.NoError(t, err)
	defer c.Close()

	d1, d2 := testDigest(1), testDigest(2)
	c.Pin([]digest.Digest{d1, d2})

	p1, err := c.GetOrFetch(d1, jobspec.ArtifactTar)
	require.NoError(t, err)
	p2, err := c.GetOrFetch(d2, jobspec.ArtifactTar)
	require.NoError(t, err)

	// Both pinned: over target but nothing evictable.
	assert.EqualValues(t, 200, c.BytesInUse())
	assert.DirExists(t, p1)
	assert.DirExists(t, p2)

	// Unpinning d1 lets eviction bring usage back under target.
	c.Unpin([]digest.Digest{d1})
	assert.LessOrEqual(t, c.BytesInUse(), int64(150))
	assert.DirExists(t, p2)
}

func TestCacheRecoversEntriesFromIndexAcrossRestart(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int64
	fetcher := writeBlobFetcher(100, &calls)

	c, err := New(Config{Root: root, BytesUsedTarget: 1 << 20}, fetcher)
	require.NoError(t, err)
	d := testDigest(9)
	_, err = c.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := New(Config{Root: root, BytesUsedTarget: 1 << 20}, fetcher)
	require.NoError(t, err)
	defer c2.Close()

	_, err = c2.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "recovered entry must not refetch")
	assert.EqualValues(t, 100, c2.BytesInUse())
}

func TestCacheForgetsIndexRecordsWhoseFilesVanished(t *testing.T) {
	root := t.TempDir()
	c, err := New(Config{Root: root, BytesUsedTarget: 1 << 20}, writeBlobFetcher(100, nil))
	require.NoError(t, err)
	d := testDigest(7)
	path, err := c.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.NoError(t, os.RemoveAll(path))

	var calls atomic.Int64
	c2, err := New(Config{Root: root, BytesUsedTarget: 1 << 20}, writeBlobFetcher(100, &calls))
	require.NoError(t, err)
	defer c2.Close()

	assert.EqualValues(t, 0, c2.BytesInUse())
	_, err = c2.GetOrFetch(d, jobspec.ArtifactTar)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
