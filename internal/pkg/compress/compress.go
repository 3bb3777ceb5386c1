// Package compress implements partisan's optional per-channel message
// body compression. Encoding uses klauspost/compress's gzip
// implementation at a configured level; decoding sniffs the gzip magic
// header the same way ctrliq-beskar's pkg/decompress package sniffs
// compressed file formats, so a receiver doesn't need its own
// copy of the sender's channel configuration to know whether a frame
// body is compressed.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipMagic is the two-byte header every gzip stream starts with.
var gzipMagic = []byte{0x1f, 0x8b}

// None disables compression. Valid levels are gzip.NoCompression (0)
// through gzip.BestCompression (9).
const None = -1

// Encode compresses body at the given level. level == None returns body
// unmodified.
func Encode(body []byte, level int) ([]byte, error) {
	if level == None {
		return body, nil
	}
	if level < gzip.NoCompression || level > gzip.BestCompression {
		return nil, fmt.Errorf("partisan: compression level %d out of range", level)
	}

	buf := new(bytes.Buffer)
	w, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, fmt.Errorf("partisan: new gzip writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("partisan: compress body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("partisan: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. It recognises a compressed body by its gzip
// magic header and passes everything else through unchanged, so a
// channel with compression disabled costs nothing to decode.
func Decode(body []byte) ([]byte, error) {
	if len(body) < len(gzipMagic) || !bytes.Equal(body[:len(gzipMagic)], gzipMagic) {
		return body, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("partisan: new gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("partisan: decompress body: %w", err)
	}
	return out, nil
}
