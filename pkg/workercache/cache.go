package workercache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
)

// Fetcher downloads one artifact into destDir and returns the size the cache
// charges against its byte budget. The worker wires this to its broker
// fetcher client, which reports the compressed transfer size rather than the
// extracted size on disk; tests substitute a local copy.
type Fetcher interface {
	Fetch(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error)

func (f FetcherFunc) Fetch(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
	return f(d, kind, destDir)
}

// Config holds the cache's tunables.
type Config struct {
	// Root is the cache directory. Entries live at Root/sha256/<hex>.
	Root string

	// BytesUsedTarget is the byte budget eviction works toward. It is
	// advisory: pinned entries and in-flight downloads may push usage above
	// it transiently.
	BytesUsedTarget int64
}

type entryState int

const (
	stateDownloading entryState = iota
	statePresent
)

type fetchResult struct {
	path string
	err  error
}

type entry struct {
	path    string
	size    int64
	state   entryState
	lruTick uint64
	waiters []chan fetchResult
}

// Cache mediates all artifact lookups and evictions on one worker. All
// methods are safe for concurrent use.
type Cache struct {
	cfg     Config
	fetcher Fetcher
	index   *index

	mu         sync.Mutex
	entries    map[digest.Digest]*entry
	pins       map[digest.Digest]int
	tick       uint64
	bytesInUse int64
}

// New opens (or creates) the cache rooted at cfg.Root, recovering any
// entries recorded in the sidecar index whose files still exist on disk.
func New(cfg Config, fetcher Fetcher) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Root, "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("workercache: creating cache root: %w", err)
	}
	idx, err := openIndex(cfg.Root)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		index:   idx,
		entries: make(map[digest.Digest]*entry),
		pins:    make(map[digest.Digest]int),
	}

	recovered, err := idx.load()
	if err != nil {
		idx.close()
		return nil, err
	}
	for _, rec := range recovered {
		path := filepath.Join(cfg.Root, rec.digest.RelPath())
		if _, err := os.Stat(path); err != nil {
			// The blob vanished out from under the index; forget it.
			idx.remove(rec.digest)
			continue
		}
		c.entries[rec.digest] = &entry{
			path:    path,
			size:    rec.size,
			state:   statePresent,
			lruTick: rec.lastUsed,
		}
		c.bytesInUse += rec.size
		if rec.lastUsed > c.tick {
			c.tick = rec.lastUsed
		}
	}
	metrics.WorkerCacheBytesInUse.Set(float64(c.bytesInUse))
	c.evictToTargetLocked()
	return c, nil
}

// Close flushes and closes the sidecar index. In-flight downloads are not
// waited for.
func (c *Cache) Close() error {
	return c.index.close()
}

// BytesInUse reports the sum of the sizes the fetcher returned for present
// entries.
func (c *Cache) BytesInUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesInUse
}

// GetOrFetch returns the on-disk path of the artifact for d, downloading it
// first if necessary. Concurrent calls for the same digest share a single
// download; all of them unblock when it completes or fails.
func (c *Cache) GetOrFetch(d digest.Digest, kind jobspec.ArtifactKind) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[d]; ok {
		switch e.state {
		case statePresent:
			c.tick++
			e.lruTick = c.tick
			c.index.touch(d, e.size, e.lruTick)
			c.mu.Unlock()
			metrics.WorkerCacheHitsTotal.Inc()
			return e.path, nil
		case stateDownloading:
			ch := make(chan fetchResult, 1)
			e.waiters = append(e.waiters, ch)
			c.mu.Unlock()
			res := <-ch
			return res.path, res.err
		}
	}

	metrics.WorkerCacheMissesTotal.Inc()
	e := &entry{state: stateDownloading}
	ch := make(chan fetchResult, 1)
	e.waiters = append(e.waiters, ch)
	c.entries[d] = e
	c.mu.Unlock()

	go c.download(d, kind)
	res := <-ch
	return res.path, res.err
}

// download runs in its own goroutine, at most one per digest at a time.
func (c *Cache) download(d digest.Digest, kind jobspec.ArtifactKind) {
	timer := metrics.NewTimer()
	dest := filepath.Join(c.cfg.Root, d.RelPath())
	size, err := c.fetcher.Fetch(d, kind, dest)
	timer.ObserveDurationVec(metrics.ArtifactFetchDuration, string(kind))

	c.mu.Lock()
	e := c.entries[d]
	if err != nil {
		delete(c.entries, d)
		c.mu.Unlock()
		os.RemoveAll(dest)
		for _, ch := range e.waiters {
			ch <- fetchResult{err: fmt.Errorf("workercache: fetching %s: %w", d, err)}
		}
		return
	}

	c.tick++
	e.path = dest
	e.size = size
	e.state = statePresent
	e.lruTick = c.tick
	c.bytesInUse += size
	metrics.WorkerCacheBytesInUse.Set(float64(c.bytesInUse))
	c.index.touch(d, size, e.lruTick)
	waiters := e.waiters
	e.waiters = nil
	c.evictToTargetLocked()
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- fetchResult{path: dest}
	}
}

// Pin marks each digest as referenced by a job, excluding it from eviction
// until a matching Unpin. Pinning a digest not yet in the cache is allowed;
// the pin applies once the entry appears.
func (c *Cache) Pin(digests []digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range digests {
		c.pins[d]++
	}
}

// Unpin releases one Pin per digest and attempts eviction with the newly
// unpinned space.
func (c *Cache) Unpin(digests []digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range digests {
		if c.pins[d] <= 1 {
			delete(c.pins, d)
		} else {
			c.pins[d]--
		}
	}
	c.evictToTargetLocked()
}

// EvictToTarget deletes least-recently-used unpinned entries until usage is
// at or under the configured target.
func (c *Cache) EvictToTarget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictToTargetLocked()
}

func (c *Cache) evictToTargetLocked() {
	for c.bytesInUse > c.cfg.BytesUsedTarget {
		victim := c.pickVictimLocked()
		if victim.IsZero() {
			log.Logger.Warn().
				Int64("bytes_in_use", c.bytesInUse).
				Int64("target", c.cfg.BytesUsedTarget).
				Msg("workercache: over byte target but every entry is pinned or downloading")
			return
		}
		e := c.entries[victim]
		delete(c.entries, victim)
		c.bytesInUse -= e.size
		metrics.WorkerCacheBytesInUse.Set(float64(c.bytesInUse))
		metrics.WorkerCacheEvictionsTotal.Inc()
		c.index.remove(victim)
		if err := os.RemoveAll(e.path); err != nil {
			log.Logger.Warn().Err(err).Str("digest", victim.String()).Msg("workercache: removing evicted entry")
		}
	}
}

func (c *Cache) pickVictimLocked() digest.Digest {
	var victim digest.Digest
	var victimTick uint64
	found := false
	for d, e := range c.entries {
		if e.state != statePresent || c.pins[d] > 0 {
			continue
		}
		if !found || e.lruTick < victimTick {
			victim = d
			victimTick = e.lruTick
			found = true
		}
	}
	if !found {
		return digest.Digest{}
	}
	return victim
}
