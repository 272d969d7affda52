package wire

import (
	"encoding/binary"
	"io"
)

// ChunkReader decodes a chunked stream: a sequence of 4-byte big-endian
// length prefixes each followed by that many bytes, terminated by a
// zero-length chunk. It presents the payload as one continuous byte
// stream and fails with io.ErrUnexpectedEOF if the underlying stream ends
// before the terminator is observed.
type ChunkReader struct {
	r         io.Reader
	remaining uint32
	done      bool
}

// NewChunkReader wraps r as a chunked stream decoder.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r}
}

func (c *ChunkReader) Read(buf []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if c.remaining == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size == 0 {
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n := len(buf)
	if uint32(n) > c.remaining {
		n = int(c.remaining)
	}
	read, err := c.r.Read(buf[:n])
	c.remaining -= uint32(read)
	if read == 0 && err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	}
	if err != nil && err != io.EOF {
		return read, err
	}
	return read, nil
}

// ChunkWriter encodes writes as a chunked stream, flushing a chunk whenever
// its internal buffer reaches maxChunkSize. Finish is mandatory: it flushes
// any buffered bytes and writes the zero-length terminator. Dropping a
// ChunkWriter without calling Finish leaves the stream truncated from the
// reader's point of view.
type ChunkWriter struct {
	w            io.Writer
	buf          []byte
	maxChunkSize int
	finished     bool
}

// NewChunkWriter wraps w as a chunked stream encoder, buffering up to
// maxChunkSize bytes before flushing a chunk.
func NewChunkWriter(w io.Writer, maxChunkSize int) *ChunkWriter {
	return &ChunkWriter{w: w, maxChunkSize: maxChunkSize}
}

func (c *ChunkWriter) sendChunk() error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(c.buf)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(c.buf) > 0 {
		if _, err := c.w.Write(c.buf); err != nil {
			return err
		}
	}
	c.buf = c.buf[:0]
	return nil
}

// Write implements io.Writer, buffering and flushing complete chunks as
// needed. It never sends the terminator; call Finish for that.
func (c *ChunkWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := c.maxChunkSize - len(c.buf)
		n := len(p)
		if n > space {
			n = space
		}
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		total += n
		if len(c.buf) == c.maxChunkSize {
			if err := c.sendChunk(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Flush sends any buffered bytes as a chunk without terminating the stream.
func (c *ChunkWriter) Flush() error {
	if len(c.buf) > 0 {
		return c.sendChunk()
	}
	return nil
}

// Finish flushes remaining bytes and writes the zero-length terminator.
// It is a programming error to drop a ChunkWriter without calling this.
func (c *ChunkWriter) Finish() error {
	if c.finished {
		return ErrAlreadyFinished
	}
	c.finished = true
	if err := c.Flush(); err != nil {
		return err
	}
	var hdr [4]byte
	_, err := c.w.Write(hdr[:])
	return err
}

// FixedSizeReader wraps an inner reader and always yields exactly limit
// bytes: it zero-pads a short inner stream and truncates an over-long one.
// Used to frame individual manifest records to a known size.
type FixedSizeReader struct {
	inner     io.Reader
	limit     int64
	produced  int64
	innerDone bool
}

// NewFixedSizeReader wraps inner so reads from it always total exactly
// limit bytes.
func NewFixedSizeReader(inner io.Reader, limit int64) *FixedSizeReader {
	return &FixedSizeReader{inner: inner, limit: limit}
}

func (f *FixedSizeReader) Read(buf []byte) (int, error) {
	if f.produced >= f.limit {
		return 0, io.EOF
	}
	if remaining := f.limit - f.produced; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	if !f.innerDone {
		n, err := f.inner.Read(buf)
		if n > 0 {
			f.produced += int64(n)
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		f.innerDone = true
	}
	for i := range buf {
		buf[i] = 0
	}
	f.produced += int64(len(buf))
	return len(buf), nil
}


