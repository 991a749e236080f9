package persistence

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zstd encoders and decoders are expensive to build, so they are pooled.
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
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compress returns the payload compressed with the given codec. The
// returned codec may differ from the requested one: incompressible lz4
// input falls back to raw storage.
func compress(data []byte, codec Codec) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return data, CodecNone, nil

	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input.
			return data, CodecNone, nil
		}
		return buf[:n], CodecLZ4, nil

	case CodecZSTD:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, nil), CodecZSTD, nil

	default:
		return nil, 0, ErrInvalidCodec
	}
}

// decompress reverses compress. uncompressedLen is taken from the frame
// header and bounds the output.
func decompress(data []byte, codec Codec, uncompressedLen uint64) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecLZ4:
		out := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(n) != uncompressedLen {
			return nil, ErrCorruptSnapshot
		}
		return out[:n], nil

	case CodecZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(out)) != uncompressedLen {
			return nil, ErrCorruptSnapshot
		}
		return out, nil

	default:
		return nil, ErrInvalidCodec
	}
}
