// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the payload compression algorithms peers
// negotiate for sealed message content.
//
// Every peer advertises the algorithm names it can decode in its
// metadata. A sender picks the first entry of its own preference list
// that every recipient of a frame supports ([Negotiate]); "none" is the
// universal fallback. Tags are carried in the frame header as one byte
// and are protocol constants.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies a compression algorithm on the wire.
type Tag uint8

const (
	// None is uncompressed data.
	None Tag = 0

	// LZ4 is LZ4 block compression. Cheapest to decode; good for the
	// small, frequent CRDT and awareness updates.
	LZ4 Tag = 1

	// Zstd is zstd at the default level. Best ratio for file contents
	// and full document state.
	Zstd Tag = 2

	// Gzip is deflate with a gzip header, for peers that implement
	// nothing else.
	Gzip Tag = 3
)

// MinSize is the payload size below which compression is skipped.
const MinSize = 256

// DefaultPreference is the preference order used when a peer does not
// configure one.
var DefaultPreference = []string{"zstd", "lz4", "gzip"}

// String returns the wire name of the tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// Parse returns the tag for a wire name.
func Parse(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// Supported lists the algorithm names this build can decode, in
// DefaultPreference order.
func Supported() []string {
	return append([]string(nil), DefaultPreference...)
}

// Negotiate returns the first algorithm in preference that appears in
// every recipient's supported list. Unknown names are skipped. With no
// recipients, or no common algorithm, it returns None.
func Negotiate(preference []string, recipients [][]string) Tag {
	if len(recipients) == 0 {
		return None
	}
	for _, name := range preference {
		tag, err := Parse(name)
		if err != nil || tag == None {
			continue
		}
		common := true
		for _, supported := range recipients {
			if !contains(supported, name) {
				common = false
				break
			}
		}
		if common {
			return tag
		}
	}
	return None
}

func contains(list []string, name string) bool {
	for _, entry := range list {
		if entry == name {
			return true
		}
	}
	return false
}

// ErrIncompressible is returned by Compress when the output would not be
// smaller than the input. Callers fall back to None.
var ErrIncompressible = errors.New("compress: data is incompressible")

// Compress compresses data with tag. For None it returns data unchanged.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	case Gzip:
		return compressGzip(data)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

// Decompress reverses Compress. originalSize must match the length of
// the uncompressed data exactly; it also bounds the output so a hostile
// frame cannot expand without limit.
func Decompress(compressed []byte, tag Tag, originalSize int) ([]byte, error) {
	if originalSize < 0 {
		return nil, fmt.Errorf("compress: negative original size %d", originalSize)
	}
	switch tag {
	case None:
		if len(compressed) != originalSize {
			return nil, fmt.Errorf("compress: uncompressed size %d does not match expected %d",
				len(compressed), originalSize)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, originalSize)
	case Zstd:
		return decompressZstd(compressed, originalSize)
	case Gzip:
		return decompressGzip(compressed, originalSize)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

// Auto compresses data with tag unless data is smaller than MinSize or
// incompressible, in which case it returns data and None.
func Auto(data []byte, tag Tag) ([]byte, Tag, error) {
	if tag == None || len(data) < MinSize {
		return data, None, nil
	}
	compressed, err := Compress(data, tag)
	if err != nil {
		if errors.Is(err, ErrIncompressible) {
			return data, None, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, originalSize int) ([]byte, error) {
	destination := make([]byte, originalSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != originalSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, originalSize)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<30))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, originalSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != originalSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), originalSize)
	}
	return result, nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buffer, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if buffer.Len() >= len(data) {
		return nil, ErrIncompressible
	}
	return buffer.Bytes(), nil
}

func decompressGzip(compressed []byte, originalSize int) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer reader.Close()

	// Read one byte past the expected size to detect oversized output.
	result, err := io.ReadAll(io.LimitReader(reader, int64(originalSize)+1))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	if len(result) != originalSize {
		return nil, fmt.Errorf("gzip decompress: got %d bytes, expected %d", len(result), originalSize)
	}
	return result, nil
}
