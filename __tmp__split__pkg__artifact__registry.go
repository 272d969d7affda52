// Package artifact implements the broker's content-addressed blob store:
// insertion with digest verification, refcounted leases for jobs and
// fetcher streams, and lazy deletion once a blob's refcount reaches zero.
// Unlike the worker cache (pkg/workercache) the registry is not persisted -
// a restarted broker starts empty and clients must re-upload.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// ErrNotFound is returned when an operation names a digest the registry
// has never seen.
var ErrNotFound = errors.New("artifact: digest not found")

// ErrDigestMismatch is returned by Insert when the bytes actually streamed
// don't hash to the claimed digest.
var ErrDigestMismatch = errors.New("artifact: digest mismatch")

type entry struct {
	path     string
	size     int64
	refcount int
}

// Registry is the broker's blob store. It is safe for concurrent use; all
// mutation happens under a single mutex, matching how the broker's
// scheduler is the only component expected to mutate this state.
type Registry struct {
	root string

	mu      sync.Mutex
	entries map[digest.Digest]*entry
	// inserting dedupes concurrent Insert calls for the same digest so only
	// one writer touches the disk path at a time.
	inserting map[digest.Digest]*sync.WaitGroup
}

// New creates a Registry storing blobs under root.
func New(root string) *Registry {
	return &Registry{
		root:      root,
		entries:   make(map[digest.Digest]*entry),
		inserting: make(map[digest.Digest]*sync.WaitGroup),
	}
}

// Insert stores the bytes read from src at a path derived from d, verifying
// that they hash to d. If an entry for d already exists, Insert drains src
// to confirm it hashes to the same digest and returns the existing size
// without touching disk again - insertion is idempotent, not an overwrite.
func (r *Registry) Insert(d digest.Digest, src io.Reader) (int64, error) {
	r.mu.Lock()
	if e, ok := r.entries[d]; ok {
		r.mu.Unlock()
		return r.verifyAgainstExisting(d, e, src)
	}
	if wg, inProgress := r.inserting[d]; inProgress {
		r.mu.Unlock()
		wg.Wait()
		return r.Insert(d, src)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	r.inserting[d] = wg
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inserting, d)
		r.mu.Unlock()
		wg.Done()
	}()

	return r.insertNew(d, src)
}

func (r *Registry) verifyAgainstExisting(d digest.Digest, e *entry, src io.Reader) (int64, error) {
	got, err := digest.FromReader(src)
	if err != nil {
		return 0, fmt.Errorf("artifact: draining duplicate upload of %s: %w", d, err)
	}
	if got != d {
		return 0, fmt.Errorf("%w: %s", ErrDigestMismatch, d)
	}
	return e.size, nil
}

func (r *Registry) insertNew(d digest.Digest, src io.Reader) (int64, error) {
	dir := filepath.Join(r.root, "sha256")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("artifact: creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, d.String()+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("artifact: creating temp file for %s: %w", d, err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpPath)
		}
	}()

	hashing := wire.NewHashingReader(src)
	size, err := io.Copy(tmp, hashing)
	closeErr := tmp.Close()
	if err != nil {
		return 0, fmt.Errorf("artifact: writing blob %s: %w", d, err)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("artifact: closing blob %s: %w", d, closeErr)
	}

	if got := hashing.Digest(); got != d {
		return 0, fmt.Errorf("%w: %s", ErrDigestMismatch, d)
	}

	finalPath := filepath.Join(r.root, d.RelPath())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return 0, fmt.Errorf("artifact: committing blob %s: %w", d, err)
	}
	removeTmp = false

	r.mu.Lock()
	r.entries[d] = &entry{path: finalPath, size: size}
	r.mu.Unlock()

	metrics.ArtifactBytesStored.Add(float64(size))
	return size, nil
}

// GetForWorker increments d's refcount and returns its on-disk path and
// size. It fails with ErrNotFound if the digest is unknown.
func (r *Registry) GetForWorker(d digest.Digest) (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[d]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	e.refcount++
	return e.path, e.size, nil
}

// Decrement decreases d's refcount by one. Once the refcount reaches zero
// the blob is deleted from disk immediately, since nothing in this design
// benefits from keeping a zero-refcount blob around.
func (r *Registry) Decrement(d digest.Digest) error {
	r.mu.Lock()
	e, ok := r.entries[d]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	e.refcount--
	if e.refcount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, d)
	r.mu.Unlock()

	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Err(err).Str("digest", d.String()).Msg("artifact: failed to remove zero-refcount blob")
	}
	metrics.ArtifactBytesStored.Add(-float64(e.size))
	return nil
}

// AcquireForJob increments the refcount of every digest in one batch. If
// any digest is unregistered, no refcount is changed and ErrNotFound names
// the first offender - the caller (the scheduler) is expected to hold a
// job in WaitingForArtifacts until every digest is acquirable.
func (r *Registry) AcquireForJob(digests []digest.Digest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range digests {
		if _, ok := r.entries[d]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, d)
		}
	}
	for _, d := range digests {
		r.entries[d].refcount++
	}
	return nil
}

// ReleaseForJob decrements the refcount of every digest in one batch,
// deleting any that reach zero. Unlike AcquireForJob this never fails on
// an unknown digest - a job's layers cannot disappear out from under a
// reference it holds, so an unknown digest here indicates the release was
// already processed and is silently ignored.
func (r *Registry) ReleaseForJob(digests []digest.Digest) {
	for _, d := range digests {
		if err := r.Decrement(d); err != nil {
			log.Logger.Debug().Str("digest", d.String()).Msg("artifact: release of already-released digest ignored")
		}
	}
}

// Registered reports whether every given digest has a registry entry,
// without acquiring a lease. The scheduler uses this to decide whether a
// job can leave WaitingForArtifacts.
func (r *Registry) Registered(digests []digest.Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range digests {
		if _, ok := r.entries[d]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the subset of digests not yet registered, in the order
// given. Used to build BrokerToClientArtifactsNeeded.
func (r *Registry) Missing(digests []digest.Digest) []digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []digest.Digest
	for _, d := range digests {
		if _, ok := r.entries[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}


