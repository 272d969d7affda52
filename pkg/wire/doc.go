// Package wire implements Maelstrom's two framing layers: single
// length-prefixed messages (Hello and the protocol catalog in pkg/protocol,
// msgpack-encoded) and chunked byte streams (artifact blob transfer, whose
// length is not known up front). Both run over the same TCP connection.
package wire

import "errors"

// ErrAlreadyFinished is returned by ChunkWriter.Finish when called more than
// once; dropping a writer without calling Finish at all is a programming
// error the type cannot detect.
var ErrAlreadyFinished = errors.New("wire: chunk writer already finished")
