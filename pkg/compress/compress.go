// Package compress wraps export output in an optional compression layer.
//
// Supported algorithms:
//   - ZSTD (Zstandard): best balance of speed and ratio for large exports
//   - Gzip: readable by every archive tool
//
// Example usage:
//
//	w, err := compress.NewWriter(file, compress.AlgorithmZSTD, compress.LevelDefault)
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip is the gzip compression algorithm.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone writes data through unchanged.
	AlgorithmNone Algorithm = "none"
)

// Level represents compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio.
	LevelFastest Level = 1

	// LevelDefault is the default compression level (good balance).
	LevelDefault Level = 3

	// LevelBest provides maximum compression (slowest).
	LevelBest Level = 9
)

// ParseAlgorithm maps a user-supplied name to an Algorithm. The empty
// string means AlgorithmNone.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", AlgorithmNone:
		return AlgorithmNone, nil
	case AlgorithmZSTD, AlgorithmGzip:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Extension returns the conventional file suffix, including the dot.
func (a Algorithm) Extension() string {
	switch a {
	case AlgorithmZSTD:
		return ".zst"
	case AlgorithmGzip:
		return ".gz"
	default:
		return ""
	}
}

// NewWriter wraps w so that everything written is compressed with
// algorithm. Close flushes the compressor but does not close w.
func NewWriter(w io.Writer, algorithm Algorithm, level Level) (io.WriteCloser, error) {
	switch algorithm {
	case AlgorithmZSTD:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
		if err != nil {
			return nil, fmt.Errorf("zstd writer error: %w", err)
		}
		return enc, nil
	case AlgorithmGzip:
		gl := gzip.DefaultCompression
		if level <= LevelDefault {
			gl = gzip.BestSpeed
		} else if level >= 7 {
			gl = gzip.BestCompression
		}
		gw, err := gzip.NewWriterLevel(w, gl)
		if err != nil {
			return nil, fmt.Errorf("gzip writer error: %w", err)
		}
		return gw, nil
	case AlgorithmNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// NewReader returns a reader that decompresses r.
func NewReader(r io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case AlgorithmZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader error: %w", err)
		}
		return dec.IOReadCloser(), nil
	case AlgorithmGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader error: %w", err)
		}
		return gr, nil
	case AlgorithmNone, "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
