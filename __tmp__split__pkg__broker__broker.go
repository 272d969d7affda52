// Package broker is the TCP front end of the job broker. It accepts
// connections, reads the mandatory Hello frame to learn the peer's
// role, and translates every subsequent wire message into a call on a
// pkg/scheduler.Scheduler - the only place dispatch state actually lives.
package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/cuemby/maelstrom/pkg/artifact"
	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/scheduler"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxChunkSize bounds how much an artifact-fetcher stream buffers
// before flushing a chunk.
const DefaultMaxChunkSize = 1 << 20

// Broker owns the listening socket and dispatches accepted connections to a
// Scheduler. It holds no dispatch state of its own.
type Broker struct {
	sched        *scheduler.Scheduler
	registry     *artifact.Registry
	maxChunkSize int

	ln net.Listener
}

// New creates a Broker serving sched and registry. Call Start to begin
// accepting connections.
func New(sched *scheduler.Scheduler, registry *artifact.Registry) *Broker {
	return &Broker{sched: sched, registry: registry, maxChunkSize: DefaultMaxChunkSize}
}

// Start listens on addr and accepts connections until Stop is called.
func (b *Broker) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", addr, err)
	}
	b.ln = ln
	log.Logger.Info().Str("addr", ln.Addr().String()).Msg("broker: listening")
	go b.acceptLoop(ln)
	return nil
}

// Stop closes the listening socket. Connections already accepted keep
// running; each one unregisters itself from the scheduler when its peer
// disconnects.
func (b *Broker) Stop() error {
	if b.ln == nil {
		return nil
	}
	return b.ln.Close()
}

func (b *Broker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Logger.Warn().Err(err).Msg("broker: accept failed")
			return
		}
		go b.handleConn(conn)
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	var hello protocol.Hello
	if err := wire.ReadMessage(conn, &hello); err != nil {
		log.Logger.Debug().Err(err).Msg("broker: connection dropped before Hello")
		conn.Close()
		return
	}

	switch hello.Kind {
	case protocol.HelloClient:
		b.handleClient(conn, jobspec.ClientId(uuid.NewString()))
	case protocol.HelloWorker:
		b.handleWorker(conn, scheduler.WorkerId(uuid.NewString()), hello.Slots)
	case protocol.HelloArtifactFetcher:
		b.handleArtifactFetcher(conn)
	default:
		log.Logger.Warn().Str("kind", string(hello.Kind)).Msg("broker: unknown Hello kind")
		conn.Close()
	}
}

// handleClient owns one client connection for its whole lifetime: a reader
// goroutine (this one) translates inbound frames into Scheduler calls,
// while a pump-and-writer pair moves the scheduler's outbound messages
// onto the wire. ArtifactUploadChunk is not a distinct frame kind; a client signals
// one by sending ClientToBrokerArtifactUpload and then writing the blob as
// a zstd-compressed chunked byte stream immediately after, which
// receiveArtifactUpload reads before resuming the ClientToBroker frame
// loop.
func (b *Broker) handleClient(conn net.Conn, id jobspec.ClientId) {
	defer conn.Close()

	// The scheduler's sends block rather than drop, so the channel must
	// always be drained promptly no matter how slowly the peer reads: the
	// pump moves messages into an unbounded outbox the writer empties at
	// socket speed.
	outCh := make(chan protocol.BrokerToClient, 32)
	ob := newOutbox[protocol.BrokerToClient]()
	done := make(chan struct{})
	defer close(done)
	defer ob.close()
	go ob.pump(outCh, done)
	go func() {
		for {
			msg, ok := ob.next()
			if !ok {
				return
			}
			if err := wire.WriteMessage(conn, msg); err != nil {
				return
			}
		}
	}()

	b.sched.ClientConnected(id, outCh)
	defer b.sched.ClientDisconnected(id)

	for {
		var msg protocol.ClientToBroker
		if err := wire.ReadMessage(conn, &msg); err != nil {
			return
		}

		switch msg.Kind {
		case protocol.ClientToBrokerJobRequest:
			b.sched.JobRequest(id, msg.JobId, msg.Spec)
		case protocol.ClientToBrokerJobStateCountsRequest:
			counts := b.sched.JobStateCounts()
			outCh <- protocol.NewJobStateCountsResponse(counts)
		case protocol.ClientToBrokerArtifactUpload:
			b.receiveArtifactUpload(conn, outCh, msg.Digest)
		default:
			log.Logger.Warn().Str("kind", string(msg.Kind)).Msg("broker: unknown message from client")
		}
	}
}

func (b *Broker) receiveArtifactUpload(conn net.Conn, outCh chan<- protocol.BrokerToClient, d digest.Digest) {
	chunks := wire.NewChunkReader(conn)
	err := func() error {
		dec, err := zstd.NewReader(chunks)
		if err != nil {
			return fmt.Errorf("broker: opening upload decompressor: %w", err)
		}
		defer dec.Close()
		if _, err := b.registry.Insert(d, dec); err != nil {
			return err
		}
		// Drain to the zero-length terminator so the connection is
		// positioned at the next frame even if the compressor padded.
		_, err = io.Copy(io.Discard, chunks)
		return err
	}()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		log.Logger.Warn().Err(err).Str("digest", d.String()).Msg("broker: artifact upload rejected")
		// The chunk stream must still be consumed to its terminator, or
		// the remainder would be misread as frames.
		io.Copy(io.Discard, chunks)
	} else {
		b.sched.ArtifactUploaded(d)
	}
	outCh <- protocol.NewArtifactUploadResult(d, errMsg)
}

// handleWorker owns one worker connection for its whole lifetime,
// symmetric to handleClient: a reader goroutine forwards WorkerToBroker
// outcomes to the scheduler while a pump-and-writer pair moves dispatch
// decisions onto the wire.
func (b *Broker) handleWorker(conn net.Conn, id scheduler.WorkerId, slots uint16) {
	defer conn.Close()

	// Sized to the worker's advertised slots: one dispatch() pass can admit
	// up to that many jobs back to back, and every EnqueueJob must land.
	// The pump keeps the channel drained regardless, so the scheduler's
	// blocking sends never wait on this worker's read speed.
	bufSize := int(slots)
	if bufSize < 1 {
		bufSize = 1
	}
	outCh := make(chan protocol.BrokerToWorker, bufSize)
	ob := newOutbox[protocol.BrokerToWorker]()
	done := make(chan struct{})
	defer close(done)
	defer ob.close()
	go ob.pump(outCh, done)
	go func() {
		for {
			msg, ok := ob.next()
			if !ok {
				return
			}
			if err := wire.WriteMessage(conn, msg); err != nil {
				return
			}
		}
	}()

	b.sched.WorkerConnected(id, slots, outCh)
	defer b.sched.WorkerDisconnected(id)

	for {
		var msg protocol.WorkerToBroker
		if err := wire.ReadMessage(conn, &msg); err != nil {
			return
		}
		b.sched.JobResponse(id, msg.JobId, msg.Outcome)
	}
}

// handleArtifactFetcher serves one worker's cache-miss fetch: a single
// request, a single reply, and - on success - a chunked stream of the
// blob's bytes. The connection closes once the stream finishes.
func (b *Broker) handleArtifactFetcher(conn net.Conn) {
	defer conn.Close()

	var req protocol.ArtifactFetcherToBroker
	if err := wire.ReadMessage(conn, &req); err != nil {
		return
	}

	result := b.sched.GetArtifactForWorker(req.Digest)
	if result.Err != nil {
		if err := wire.WriteMessage(conn, protocol.BrokerToArtifactFetcher{Error: result.Err.Error()}); err != nil {
			log.Logger.Debug().Err(err).Msg("broker: writing fetch rejection")
		}
		return
	}
	defer b.sched.DecrementRefcount(req.Digest)

	if err := wire.WriteMessage(conn, protocol.BrokerToArtifactFetcher{}); err != nil {
		return
	}

	f, err := os.Open(result.Path)
	if err != nil {
		log.Logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("broker: opening leased blob")
		return
	}
	defer f.Close()

	chunks := wire.NewChunkWriter(conn, b.maxChunkSize)
	enc, err := zstd.NewWriter(chunks)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("broker: opening fetch compressor")
		return
	}
	if _, err := io.Copy(enc, f); err != nil {
		enc.Close()
		log.Logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("broker: streaming blob to fetcher")
		return
	}
	if err := enc.Close(); err != nil {
		log.Logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("broker: flushing fetch compressor")
		return
	}
	if err := chunks.Finish(); err != nil {
		log.Logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("broker: finishing fetch stream")
	}
}


