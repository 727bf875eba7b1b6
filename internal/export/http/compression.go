package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// codec pairs a Content-Encoding value with its decoder. Encoding is done
// by the Compressor so the zstd encoder can be shared.
type codec struct {
	encoding string
	decode   func([]byte) ([]byte, error)
}

var codecs = map[string]codec{
	"":                {encoding: "", decode: identity},
	CompressionNone:   {encoding: "", decode: identity},
	CompressionGzip:   {encoding: "gzip", decode: readAllFrom(gzipReader)},
	CompressionZstd:   {encoding: "zstd", decode: decodeZstd},
	CompressionZlib:   {encoding: "deflate", decode: readAllFrom(zlibReader)},
	CompressionSnappy: {encoding: "snappy", decode: decodeSnappy},
}

// ValidateCompression reports an error for unknown algorithm names. The
// empty string means no compression.
func ValidateCompression(algorithm string) error {
	if _, ok := codecs[algorithm]; !ok {
		return fmt.Errorf("invalid compression type: %s", algorithm)
	}

	return nil
}

// Compressor encodes request bodies for one algorithm. It is safe for
// concurrent use.
type Compressor struct {
	algorithm string
	encoding  string
	zstd      *zstd.Encoder
}

// NewCompressor creates a Compressor. Unknown algorithms are rejected.
func NewCompressor(algorithm string) (*Compressor, error) {
	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm, encoding: cd.encoding}

	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.zstd = enc
	}

	return c, nil
}

// Compress encodes data. For no compression data is returned as is.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionGzip:
		return writeThrough(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
	case CompressionZlib:
		return writeThrough(data, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) })
	case CompressionZstd:
		return c.zstd.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return data, nil
	}
}

// ContentEncoding is the Content-Encoding header value, "" for none.
func (c *Compressor) ContentEncoding() string {
	return c.encoding
}

// Algorithm returns the configured algorithm name.
func (c *Compressor) Algorithm() string {
	return c.algorithm
}

// Close releases the zstd encoder, if any.
func (c *Compressor) Close() error {
	if c.zstd != nil {
		return c.zstd.Close()
	}

	return nil
}

// Decompress reverses Compress for a Content-Encoding header value.
func Decompress(encoding string, data []byte) ([]byte, error) {
	for _, cd := range codecs {
		if cd.encoding == encoding {
			return cd.decode(data)
		}
	}

	return nil, fmt.Errorf("unsupported content encoding: %s", encoding)
}

func writeThrough(data []byte, wrap func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	w := wrap(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finishing compression: %w", err)
	}

	return buf.Bytes(), nil
}

func identity(data []byte) ([]byte, error) { return data, nil }

func gzipReader(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }

func zlibReader(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) }

func readAllFrom(open func(io.Reader) (io.ReadCloser, error)) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		r, err := open(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)
	}
}

func decodeZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return dec.DecodeAll(data, nil)
}

func decodeSnappy(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
