package worker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/cuemby/maelstrom/pkg/workercache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner returns canned outcomes and records what it ran.
type fakeRunner struct {
	outcome jobspec.JobOutcome
	block   chan struct{} // non-nil: wait here (or for ctx) before returning
	ran     chan []string
}

func (f *fakeRunner) Run(ctx context.Context, spec *jobspec.JobSpec, layerPaths []string) jobspec.JobOutcome {
	if f.ran != nil {
		f.ran <- layerPaths
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusSignaled, Code: 9}, jobspec.JobEffects{})
		}
	}
	return f.outcome
}

// localFetcher copies pre-seeded blobs instead of dialing a broker.
func localFetcher(t *testing.T) workercache.Fetcher {
	return workercache.FetcherFunc(func(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return 0, err
		}
		return 64, os.WriteFile(filepath.Join(destDir, "layer"), []byte(d.String()), 0o644)
	})
}

// fakeBroker accepts one worker connection and exposes its two message
// streams to the test.
type fakeBroker struct {
	addr     string
	conns    chan net.Conn
	outcomes chan protocol.WorkerToBroker
}

func startFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fb := &fakeBroker{
		addr:     ln.Addr().String(),
		conns:    make(chan net.Conn, 1),
		outcomes: make(chan protocol.WorkerToBroker, 16),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		var hello protocol.Hello
		if err := wire.ReadMessage(conn, &hello); err != nil {
			return
		}
		fb.conns <- conn
		for {
			var msg protocol.WorkerToBroker
			if err := wire.ReadMessage(conn, &msg); err != nil {
				return
			}
			fb.outcomes <- msg
		}
	}()
	return fb
}

func (fb *fakeBroker) workerConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-fb.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("worker never connected")
		return nil
	}
}

func (fb *fakeBroker) awaitOutcome(t *testing.T) protocol.WorkerToBroker {
	t.Helper()
	select {
	case msg := <-fb.outcomes:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome arrived")
		return protocol.WorkerToBroker{}
	}
}

func startTestWorker(t *testing.T, fb *fakeBroker, runner jobRunner) *Worker {
	t.Helper()
	cache, err := workercache.New(workercache.Config{Root: t.TempDir(), BytesUsedTarget: 1 << 20}, localFetcher(t))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	w := newWorker(Config{BrokerAddr: fb.addr, Slots: 2}, cache, runner)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w
}

func specWithLayers(bs ...byte) *jobspec.JobSpec {
	spec := &jobspec.JobSpec{Program: "/bin/true"}
	for _, b := range bs {
		spec.Layers = append(spec.Layers, jobspec.LayerSpec{
			Digest: digest.FromBytes([]byte{b}), Kind: jobspec.ArtifactTar,
		})
	}
	return spec
}

func TestWorkerRunsAssignedJobAndReportsOutcome(t *testing.T) {
	fb := startFakeBroker(t)
	want := jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 0}, jobspec.JobEffects{
		Stdout: jobspec.Output{Kind: jobspec.OutputInline, Bytes: []byte("ok\n")},
	})
	runner := &fakeRunner{outcome: want, ran: make(chan []string, 1)}
	startTestWorker(t, fb, runner)

	conn := fb.workerConn(t)
	require.NoError(t, wire.WriteMessage(conn, protocol.NewEnqueueJob(7, specWithLayers(1, 2))))

	layers := <-runner.ran
	assert.Len(t, layers, 2)

	resp := fb.awaitOutcome(t)
	assert.EqualValues(t, 7, resp.JobId)
	assert.Equal(t, want, resp.Outcome)
}

func TestWorkerCancelKillsRunningJobButStillResponds(t *testing.T) {
	fb := startFakeBroker(t)
	runner := &fakeRunner{
		outcome: jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 0}, jobspec.JobEffects{}),
		block:   make(chan struct{}),
		ran:     make(chan []string, 1),
	}
	startTestWorker(t, fb, runner)

	conn := fb.workerConn(t)
	require.NoError(t, wire.WriteMessage(conn, protocol.NewEnqueueJob(3, specWithLayers(1))))
	<-runner.ran

	require.NoError(t, wire.WriteMessage(conn, protocol.NewCancelJob(3)))

	// The broker frees the slot when the response arrives, so even a
	// canceled job must produce one.
	resp := fb.awaitOutcome(t)
	assert.EqualValues(t, 3, resp.JobId)
	assert.Equal(t, jobspec.StatusSignaled, resp.Outcome.Status.Kind)
}

func TestWorkerReportsArtifactUnavailableAsExecutionFailure(t *testing.T) {
	fb := startFakeBroker(t)
	failing := workercache.FetcherFunc(func(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
		return 0, ErrBrokerRejected
	})
	cache, err := workercache.New(workercache.Config{Root: t.TempDir(), BytesUsedTarget: 1 << 20}, failing)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	w := newWorker(Config{BrokerAddr: fb.addr, Slots: 1}, cache, &fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	conn := fb.workerConn(t)
	require.NoError(t, wire.WriteMessage(conn, protocol.NewEnqueueJob(5, specWithLayers(9))))

	resp := fb.awaitOutcome(t)
	assert.EqualValues(t, 5, resp.JobId)
	assert.Equal(t, jobspec.OutcomeExecutionFailed, resp.Outcome.Kind)
	assert.Contains(t, resp.Outcome.ErrorMsg, "artifact unavailable")
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{BrokerAddr: "broker:1234", Slots: 4}, true},
		{"no broker", Config{Slots: 4}, false},
		{"zero slots", Config{BrokerAddr: "broker:1234", Slots: 0}, false},
		{"too many slots", Config{BrokerAddr: "broker:1234", Slots: 1001}, false},
		{"max slots", Config{BrokerAddr: "broker:1234", Slots: 1000}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}


