package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/executor"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/cuemby/maelstrom/pkg/workercache"
)

// Config holds the worker's tunables, mirroring its CLI flags.
type Config struct {
	// BrokerAddr is the broker's host:port.
	BrokerAddr string

	// Slots is how many jobs may run concurrently, in [1, 1000].
	Slots uint16

	// CacheRoot is the artifact cache directory.
	CacheRoot string

	// CacheBytesUsedTarget is the cache's byte budget.
	CacheBytesUsedTarget int64

	// InlineLimit bounds captured stdout/stderr bytes per stream.
	InlineLimit int64
}

// Validate checks the config's invariants.
func (c *Config) Validate() error {
	if c.BrokerAddr == "" {
		return fmt.Errorf("worker: no broker address configured")
	}
	if c.Slots < 1 || c.Slots > 1000 {
		return fmt.Errorf("worker: slots must be in [1, 1000], got %d", c.Slots)
	}
	return nil
}

// jobRunner is the executor seam: the real implementation builds a
// container, the test double returns a canned outcome.
type jobRunner interface {
	Run(ctx context.Context, spec *jobspec.JobSpec, layerPaths []string) jobspec.JobOutcome
}

// Worker executes jobs assigned by the broker. Create with New, then call
// Run.
type Worker struct {
	cfg    Config
	cache  *workercache.Cache
	runner jobRunner

	slots chan struct{}

	mu      sync.Mutex
	running map[jobspec.JobId]context.CancelFunc
}

// New creates a Worker, opening its cache at cfg.CacheRoot.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fetcher := &brokerFetcher{addr: cfg.BrokerAddr, maxRetries: fetchRetries}
	cache, err := workercache.New(workercache.Config{
		Root:            cfg.CacheRoot,
		BytesUsedTarget: cfg.CacheBytesUsedTarget,
	}, fetcher)
	if err != nil {
		return nil, err
	}

	buildRoot := filepath.Join(cfg.CacheRoot, "build")
	if err := os.MkdirAll(buildRoot, 0o755); err != nil {
		cache.Close()
		return nil, fmt.Errorf("worker: creating build root: %w", err)
	}

	return newWorker(cfg, cache, &executor.Executor{
		InlineLimit: cfg.InlineLimit,
		BuildRoot:   buildRoot,
	}), nil
}

func newWorker(cfg Config, cache *workercache.Cache, runner jobRunner) *Worker {
	return &Worker{
		cfg:     cfg,
		cache:   cache,
		runner:  runner,
		slots:   make(chan struct{}, cfg.Slots),
		running: make(map[jobspec.JobId]context.CancelFunc),
	}
}

// Close releases the worker's cache.
func (w *Worker) Close() error {
	return w.cache.Close()
}

// Run connects to the broker, announces this worker's slots, and processes
// assignments until the connection drops or ctx is canceled. On return all
// in-flight jobs have been killed; the broker requeues them elsewhere.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", w.cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("worker: dialing broker %s: %w", w.cfg.BrokerAddr, err)
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, protocol.Hello{Kind: protocol.HelloWorker, Slots: w.cfg.Slots}); err != nil {
		return fmt.Errorf("worker: sending hello: %w", err)
	}
	logger := log.WithComponent("worker")
	logger.Info().Str("broker", w.cfg.BrokerAddr).Uint16("slots", w.cfg.Slots).Msg("connected to broker")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	outCh := make(chan protocol.WorkerToBroker, w.cfg.Slots)
	go func() {
		for {
			select {
			case msg := <-outCh:
				if err := wire.WriteMessage(conn, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var msg protocol.BrokerToWorker
		if err := wire.ReadMessage(conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker: broker connection lost: %w", err)
		}
		switch msg.Kind {
		case protocol.BrokerToWorkerEnqueueJob:
			go w.runJob(ctx, msg.JobId, msg.Spec, outCh)
		case protocol.BrokerToWorkerCancelJob:
			w.cancelJob(msg.JobId)
		default:
			logger.Warn().Str("kind", string(msg.Kind)).Msg("unknown message from broker")
		}
	}
}

// runJob executes one assignment end to end: slot, pins, layer paths,
// container run, outcome. A JobResponse is always sent, even for canceled
// jobs, because the broker frees the worker's slot only when the response
// arrives.
func (w *Worker) runJob(ctx context.Context, jid jobspec.JobId, spec *jobspec.JobSpec, outCh chan<- protocol.WorkerToBroker) {
	logger := log.WithJobID(uint64(jid))
	logger.Debug().Msg("worker: job assigned")

	w.slots <- struct{}{}
	defer func() { <-w.slots }()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.running[jid] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, jid)
		w.mu.Unlock()
	}()

	outcome := w.execute(jobCtx, spec)
	logger.Debug().Str("outcome", string(outcome.Kind)).Msg("worker: job finished")

	select {
	case outCh <- protocol.WorkerToBroker{JobId: jid, Outcome: outcome}:
	case <-ctx.Done():
	}
}

// maxManifestDepth bounds how deeply a ManifestV1 layer may nest further
// manifests, so a cyclic or pathological chain cannot recurse the worker
// into exhaustion.
const maxManifestDepth = 8

func (w *Worker) execute(ctx context.Context, spec *jobspec.JobSpec) jobspec.JobOutcome {
	digests := spec.Digests()
	w.cache.Pin(digests)
	defer w.cache.Unpin(digests)

	layerPaths, nestedPinned, err := w.resolveLayers(spec.Layers, 0)
	defer w.cache.Unpin(nestedPinned)
	if err != nil {
		return jobspec.ExecutionFailed(fmt.Sprintf("artifact unavailable: %v", err))
	}

	if ctx.Err() != nil {
		return jobspec.ExecutionFailed("job canceled before start")
	}
	return w.runner.Run(ctx, spec, layerPaths)
}

// resolveLayers fetches every layer and expands any ManifestV1 entry into
// the paths of the layers it names, recursing to cover a manifest that
// itself names further manifests. It returns the flat, ordered list of
// directory paths the executor mounts, plus every digest it pinned beyond
// spec's own top-level layers so the caller can unpin them once the job has
// finished running.
func (w *Worker) resolveLayers(layers []jobspec.LayerSpec, depth int) ([]string, []digest.Digest, error) {
	if depth > maxManifestDepth {
		return nil, nil, fmt.Errorf("manifest nesting exceeds depth %d", maxManifestDepth)
	}

	var paths []string
	var pinned []digest.Digest
	for _, layer := range layers {
		path, err := w.cache.GetOrFetch(layer.Digest, layer.Kind)
		if err != nil {
			return nil, pinned, err
		}

		if layer.Kind != jobspec.ArtifactManifestV1 {
			paths = append(paths, path)
			continue
		}

		nested, err := readManifest(path)
		if err != nil {
			return nil, pinned, fmt.Errorf("reading manifest %s: %w", layer.Digest, err)
		}
		nestedDigests := jobspec.LayerDigests(nested)
		w.cache.Pin(nestedDigests)
		pinned = append(pinned, nestedDigests...)

		nestedPaths, nestedPinned, err := w.resolveLayers(nested, depth+1)
		pinned = append(pinned, nestedPinned...)
		if err != nil {
			return nil, pinned, err
		}
		paths = append(paths, nestedPaths...)
	}
	return paths, pinned, nil
}

// readManifest loads the ManifestV1 body cached at path.
func readManifest(path string) ([]jobspec.LayerSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jobspec.DecodeManifest(f)
}

func (w *Worker) cancelJob(jid jobspec.JobId) {
	w.mu.Lock()
	cancel, ok := w.running[jid]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}
