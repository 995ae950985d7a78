// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionThreshold is the payload size, in bytes of JSON, from which
// a document is compressed.
const DefaultCompressionThreshold = 1024

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
	CompressionS2   = "s2"

	maxPooledBufferSize = 256 * 1024
	zstdMagic           = 0xFD2FB528
)

// ErrNotCompressed is returned by Decompress when the input lacks the expected framing.
var ErrNotCompressed = errors.New("payload is not compressed with the expected algorithm")

// Compressor compresses whole document payloads.
type Compressor interface {
	// Name is stored in the document envelope and selects the decompressor on read.
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// CompressorFor returns the compressor registered under name. "none" and ""
// return a nil Compressor.
func CompressorFor(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", CompressionNone:
		return nil, nil
	case CompressionZstd:
		return Zstd{}, nil
	case CompressionGzip:
		return Gzip{}, nil
	case CompressionS2:
		return S2{}, nil
	default:
		return nil, fmt.Errorf("unknown compression strategy %q", name)
	}
}

var (
	zstdEncoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedFastest),
				zstd.WithWindowSize(32*1024))

			return encoder
		},
	}

	zstdDecoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil)

			return decoder
		},
	}

	bufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 16*1024))
		},
	}
)

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBufferSize {
		buf.Reset()
		bufferPool.Put(buf)
	}
}

func copyOut(buf *bytes.Buffer) []byte {
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	return out
}

// Zstd compresses with pooled zstd encoders at the fastest level.
type Zstd struct{}

func (Zstd) Name() string { return CompressionZstd }

func (Zstd) Compress(data []byte) ([]byte, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)

	buf := getBuffer()
	defer putBuffer(buf)

	encoder.Reset(buf)

	if _, err := encoder.Write(data); err != nil {
		return nil, fmt.Errorf("failed to zstd compress: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to zstd compress: %w", err)
	}

	return copyOut(buf), nil
}

func (Zstd) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 || binary.LittleEndian.Uint32(data) != zstdMagic {
		return nil, ErrNotCompressed
	}

	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)

	buf := getBuffer()
	defer putBuffer(buf)

	if err := decoder.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to zstd decompress: %w", err)
	}

	if _, err := io.Copy(buf, decoder); err != nil {
		return nil, fmt.Errorf("failed to zstd decompress: %w", err)
	}

	return copyOut(buf), nil
}

// Gzip compresses with klauspost's gzip at BestSpeed.
type Gzip struct{}

func (Gzip) Name() string { return CompressionGzip }

func (Gzip) Compress(data []byte) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	w, err := gzip.NewWriterLevel(buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to gzip compress: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to gzip compress: %w", err)
	}

	return copyOut(buf), nil
}

func (Gzip) Decompress(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return nil, ErrNotCompressed
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip payload: %w", err)
	}
	defer r.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("failed to gzip decompress: %w", err)
	}

	return copyOut(buf), nil
}

// S2 uses the block format of klauspost's s2, a faster Snappy extension.
type S2 struct{}

func (S2) Name() string { return CompressionS2 }

func (S2) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (S2) Decompress(data []byte) ([]byte, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to s2 decompress: %w", err)
	}

	return out, nil
}
