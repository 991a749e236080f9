// Package persistence implements the snapshot file format: a checksummed,
// optionally compressed, single-file image of the store, the graph and the
// quantizer codebook.
//
// Layout:
//
//	[magic u32][version u32][codec u8]
//	[uncompressed length u64][compressed length u64]
//	[compressed payload]
//	[crc32 u32]
//
// The CRC32 (IEEE) covers every byte before it. All integers are
// little-endian. The payload is self-describing; see snapshot.go.
package persistence

import "errors"

const (
	// MagicNumber identifies snapshot files (ASCII "VDB1").
	MagicNumber = 0x56444231

	// Version is the current format version.
	Version = 0x00010000
)

var (
	ErrInvalidMagic      = errors.New("invalid magic number")
	ErrInvalidVersion    = errors.New("unsupported format version")
	ErrInvalidCodec      = errors.New("unknown compression codec")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrCorruptSnapshot   = errors.New("corrupt snapshot")
	ErrTruncatedSnapshot = errors.New("truncated snapshot")
)

// Codec selects the payload compression.
type Codec uint8

const (
	// CodecNone stores the payload uncompressed.
	CodecNone Codec = 0
	// CodecLZ4 favors speed over ratio.
	CodecLZ4 Codec = 1
	// CodecZSTD favors ratio over speed.
	CodecZSTD Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

func (c Codec) valid() bool {
	return c <= CodecZSTD
}
