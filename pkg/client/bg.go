package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// uploadMaxChunkSize bounds the chunks an artifact upload flushes at.
const uploadMaxChunkSize = 1 << 20

// background owns the broker connection. It relays the foreground's frames
// to the broker and the broker's frames back, and satisfies the broker's
// artifact demands itself: on ArtifactsNeeded it streams each registered
// blob up, interleaved safely with relayed frames through brokerWriteMu.
type background struct {
	local  net.Conn
	broker net.Conn

	brokerWriteMu sync.Mutex

	mu        sync.Mutex
	artifacts map[digest.Digest]artifactSource

	stopOnce sync.Once
	done     chan struct{}
}

func newBackground(local, broker net.Conn) *background {
	return &background{
		local:     local,
		broker:    broker,
		artifacts: make(map[digest.Digest]artifactSource),
		done:      make(chan struct{}),
	}
}

func (b *background) start() {
	go b.relayToBroker()
	go b.relayFromBroker()
}

// stop is idempotent; both relay goroutines call it on connection failure.
func (b *background) stop() error {
	b.stopOnce.Do(func() {
		close(b.done)
		b.local.Close()
		b.broker.Close()
	})
	return nil
}

func (b *background) registerArtifact(d digest.Digest, src artifactSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[d] = src
}

func (b *background) lookupArtifact(d digest.Digest) (artifactSource, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.artifacts[d]
	return src, ok
}

// relayToBroker forwards foreground frames onto the broker connection.
// Frames are decoded and re-encoded rather than byte-copied so that each
// one lands on the wire whole, never interleaved with an upload stream.
func (b *background) relayToBroker() {
	for {
		var msg protocol.ClientToBroker
		if err := wire.ReadMessage(b.local, &msg); err != nil {
			b.stop()
			return
		}
		b.brokerWriteMu.Lock()
		err := wire.WriteMessage(b.broker, msg)
		b.brokerWriteMu.Unlock()
		if err != nil {
			b.stop()
			return
		}
	}
}

// relayFromBroker forwards broker frames to the foreground, peeling off
// ArtifactsNeeded to start uploads.
func (b *background) relayFromBroker() {
	for {
		var msg protocol.BrokerToClient
		if err := wire.ReadMessage(b.broker, &msg); err != nil {
			b.stop()
			return
		}
		if msg.Kind == protocol.BrokerToClientArtifactsNeeded {
			go b.uploadAll(msg.NeededDigests)
		}
		if err := wire.WriteMessage(b.local, msg); err != nil {
			b.stop()
			return
		}
	}
}

func (b *background) uploadAll(digests []digest.Digest) {
	for _, d := range digests {
		if err := b.upload(d); err != nil {
			log.Logger.Warn().Err(err).Str("digest", d.String()).Msg("client: artifact upload failed")
		}
	}
}

// upload streams one registered blob to the broker: the announce frame,
// then the blob's bytes zstd-compressed inside a chunked stream. The
// announce and stream hold the broker write lock together so no relayed
// frame can split them.
func (b *background) upload(d digest.Digest) error {
	src, ok := b.lookupArtifact(d)
	if !ok {
		return fmt.Errorf("broker needs digest %s but no artifact was registered for it", d)
	}
	f, err := os.Open(src.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src.path, err)
	}
	defer f.Close()

	b.brokerWriteMu.Lock()
	defer b.brokerWriteMu.Unlock()

	if err := wire.WriteMessage(b.broker, protocol.NewArtifactUpload(d, src.kind)); err != nil {
		return fmt.Errorf("announcing upload: %w", err)
	}
	chunks := wire.NewChunkWriter(b.broker, uploadMaxChunkSize)
	enc, err := zstd.NewWriter(chunks)
	if err != nil {
		return fmt.Errorf("opening compressor: %w", err)
	}
	if _, err := io.Copy(enc, f); err != nil {
		enc.Close()
		return fmt.Errorf("streaming blob: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing compressor: %w", err)
	}
	if err := chunks.Finish(); err != nil {
		return fmt.Errorf("terminating stream: %w", err)
	}
	return nil
}
