// Package compression provides streaming compression for the message
// output file.
//
// Algorithms trade speed for ratio: LZ4 is fastest, Zstd compresses
// best, Gzip is the portable middle ground. Output to stdout is never
// compressed; these writers apply only when the stream is directed to a
// file.
package compression

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Algorithm identifies a compression algorithm.
type Algorithm string

const (
	None Algorithm = "none"
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// ParseAlgorithm maps a config string to an Algorithm. The empty string
// means None.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case "", None:
		return None, nil
	case Gzip:
		return Gzip, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	default:
		return None, errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm %q", s)
	}
}

// nopWriteCloser passes writes through and closes nothing.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w in a streaming compressor for the given algorithm.
// Closing the returned writer flushes the compressor but leaves w open
// for the caller to close.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating zstd writer")
		}
		return zw, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm %q", algo)
	}
}
