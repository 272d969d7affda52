package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpackHandle is shared by every encoder/decoder in the process so that
// client, broker, and worker always produce byte-identical encodings for
// the same value.
var msgpackHandle codec.MsgpackHandle

// WriteMessage msgpack-encodes v and writes it to w as one length-prefixed
// frame: a 4-byte big-endian size followed by the encoded bytes.
func WriteMessage(w io.Writer, v any) error {
	var body bytes.Buffer
	enc := codec.NewEncoder(&body, &msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("wire: encoding message: %w", err)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(body.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: writing frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and msgpack-decodes it
// into v, which must be a pointer.
func ReadMessage(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("wire: reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wire: reading frame body: %w", err)
	}

	dec := codec.NewDecoder(bytes.NewReader(body), &msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decoding message: %w", err)
	}
	return nil
}


