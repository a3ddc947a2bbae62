package versionmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/zeusync/worldstore/internal/core/models"
)

const (
	magic = 'V'

	flagZstd byte = 1 << 0
	flagLZ4  byte = 1 << 1

	headerSize  = 2
	trailerSize = 8

	// CompressThreshold is the body size above which Encode compresses.
	CompressThreshold = 4 << 10
	// MaxBodySize caps the decompressed body Decode accepts, about four
	// million entries.
	MaxBodySize = 64 << 20
	// lz4 cannot expand a block by more than this factor.
	maxLZ4Ratio = 255
)

var (
	ErrBadMagic  = errors.New("versionmap: bad magic")
	ErrChecksum  = errors.New("versionmap: checksum mismatch")
	ErrTruncated = errors.New("versionmap: truncated")
	ErrTooLarge  = errors.New("versionmap: body too large")
)

// Compression selects the codec applied to large bodies.
type Compression uint8

const (
	CompressionZstd Compression = iota
	CompressionLZ4
	CompressionNone
)

var compressionNames = map[Compression]string{
	CompressionZstd: "zstd",
	CompressionLZ4:  "lz4",
	CompressionNone: "none",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression resolves a codec name. The empty name is zstd.
func ParseCompression(name string) (Compression, error) {
	if name == "" {
		return CompressionZstd, nil
	}
	for c, n := range compressionNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("versionmap: unknown compression %q", name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxBodySize),
		zstd.WithDecoderMaxWindow(MaxBodySize),
	)
	return dec
}

// Encode packs the map as
//
//	'V' | flags | body | xxhash64(body) big endian
//
// where body is uvarint(count) followed by uvarint(id delta) uvarint(version)
// pairs over ascending ids. Bodies above CompressThreshold are zstd
// compressed; the checksum always covers the uncompressed body.
func (v *VersionMap) Encode() []byte {
	return v.EncodeWith(CompressionZstd)
}

// EncodeWith is Encode with an explicit codec for large bodies.
func (v *VersionMap) EncodeWith(c Compression) []byte {
	body := v.appendBody(make([]byte, 0, 4+v.Len()*6))
	sum := xxhash.Sum64(body)

	var flags byte
	if len(body) > CompressThreshold {
		switch c {
		case CompressionZstd:
			enc := getZstdEncoder()
			body = enc.EncodeAll(body, nil)
			zstdEncoderPool.Put(enc)
			flags |= flagZstd
		case CompressionLZ4:
			if packed, ok := compressLZ4(body); ok {
				body = packed
				flags |= flagLZ4
			}
		}
	}

	out := make([]byte, 0, headerSize+len(body)+trailerSize)
	out = append(out, magic, flags)
	out = append(out, body...)
	return binary.BigEndian.AppendUint64(out, sum)
}

func (v *VersionMap) appendBody(b []byte) []byte {
	b = binary.AppendUvarint(b, uint64(v.Len()))
	var prev models.EntityID
	for _, id := range v.IDs() {
		b = binary.AppendUvarint(b, uint64(id-prev))
		b = binary.AppendUvarint(b, v.m[id])
		prev = id
	}
	return b
}

// Decode parses the output of Encode.
func Decode(data []byte) (*VersionMap, error) {
	if len(data) < headerSize+trailerSize {
		return nil, ErrTruncated
	}
	if data[0] != magic {
		return nil, ErrBadMagic
	}
	flags := data[1]
	body := data[headerSize : len(data)-trailerSize]
	want := binary.BigEndian.Uint64(data[len(data)-trailerSize:])

	var err error
	switch {
	case flags&flagZstd != 0:
		dec := getZstdDecoder()
		body, err = dec.DecodeAll(body, nil)
		zstdDecoderPool.Put(dec)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrTooLarge
		}
		if err != nil {
			return nil, fmt.Errorf("versionmap: zstd: %w", err)
		}
	case flags&flagLZ4 != 0:
		if body, err = decompressLZ4(body); err != nil {
			return nil, err
		}
	}
	if xxhash.Sum64(body) != want {
		return nil, ErrChecksum
	}

	count, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, ErrTruncated
	}
	body = body[n:]
	// Every entry takes at least two bytes.
	if count > uint64(len(body))/2 {
		return nil, ErrTruncated
	}

	out := &VersionMap{m: make(map[models.EntityID]uint64, count)}
	var id models.EntityID
	for range count {
		delta, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, ErrTruncated
		}
		body = body[n:]
		version, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, ErrTruncated
		}
		body = body[n:]
		id += models.EntityID(delta)
		out.m[id] = version
	}
	return out, nil
}

// compressLZ4 prefixes the block with the uncompressed length. It reports
// false when the body does not compress.
func compressLZ4(body []byte) ([]byte, bool) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(body)))
	prefix := binary.PutUvarint(dst, uint64(len(body)))
	n, err := lz4.CompressBlock(body, dst[prefix:], nil)
	if err != nil || n == 0 {
		return nil, false
	}
	return dst[:prefix+n], true
}

func decompressLZ4(packed []byte) ([]byte, error) {
	size, n := binary.Uvarint(packed)
	if n <= 0 {
		return nil, ErrTruncated
	}
	packed = packed[n:]
	if size > MaxBodySize {
		return nil, ErrTooLarge
	}
	if size > uint64(len(packed))*maxLZ4Ratio {
		return nil, ErrTruncated
	}
	body := make([]byte, size)
	written, err := lz4.UncompressBlock(packed, body)
	if err != nil {
		return nil, fmt.Errorf("versionmap: lz4: %w", err)
	}
	return body[:written], nil
}
