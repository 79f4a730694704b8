// Package compresscodec is the compressed-stream codec spec.md marks
// as an external collaborator: it wraps/unwraps the packet's text
// stream in a compressed byte stream. Gzip (via klauspost/compress) is
// the reference implementation.
package compresscodec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec compresses and decompresses a packet's byte stream.
type Codec interface {
	Compress(plain []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

// Gzip is the reference Codec implementation.
type Gzip struct {
	// Level is the gzip compression level; zero uses
	// gzip.DefaultCompression.
	Level int
}

func (g Gzip) Compress(plain []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gzip) Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
