package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding names the compression applied to a batch payload.
type Encoding string

const (
	EncodingNone Encoding = "none"
	EncodingGzip Encoding = "gzip"
	EncodingZstd Encoding = "zstd"
	EncodingLZ4  Encoding = "lz4"
)

// MaxDecompressedSize bounds the payload a receiver will inflate.
const MaxDecompressedSize = 64 << 20

var errIncompressible = errors.New("payload does not shrink under compression")

func (e Encoding) String() string {
	return string(e)
}

// ParseEncoding parses a configured encoding name. The empty string means none.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case "", EncodingNone:
		return EncodingNone, nil
	case EncodingGzip, EncodingZstd, EncodingLZ4:
		return Encoding(name), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", name)
	}
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("batch: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		panic("batch: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns data compressed with enc, or errIncompressible when the
// result would not be smaller than the input.
func compress(data []byte, enc Encoding) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch enc {
	case EncodingNone:
		return data, nil
	case EncodingGzip:
		out, err = compressGzip(data)
	case EncodingZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	case EncodingLZ4:
		out, err = compressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	if err != nil {
		return nil, err
	}

	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

// decompress reverses compress. size is the expected uncompressed length.
func decompress(data []byte, enc Encoding, size int) ([]byte, error) {
	if size < 0 || size > MaxDecompressedSize {
		return nil, fmt.Errorf("uncompressed size %d out of range", size)
	}

	var (
		out []byte
		err error
	)

	switch enc {
	case EncodingNone:
		out = data
	case EncodingGzip:
		out, err = decompressGzip(data, size)
	case EncodingZstd:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	case EncodingLZ4:
		out, err = decompressLZ4(data, size)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	if err != nil {
		return nil, err
	}

	if len(out) != size {
		return nil, fmt.Errorf("%s: got %d bytes, expected %d", enc, len(out), size)
	}
	return out, nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer r.Close()

	// One extra byte detects payloads longer than advertised.
	out, err := io.ReadAll(io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

// LZ4 uses block mode; the batch header carries the uncompressed size.

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(data []byte, size int) ([]byte, error) {
	dst := make([]byte, size)

	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst[:n], nil
}
