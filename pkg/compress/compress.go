// Package compress packs proof exports with zstd.
//
//	packed, err := compress.DefaultZSTD.Compress(proofJSON)
package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecodedSize bounds the output of Decompress.
const DefaultMaxDecodedSize = 4 << 20

// Level is a zstd command-line level. The encoder maps it onto its four
// speed settings.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBest    Level = 9
)

// ZSTD is a whole-buffer zstd codec. EncodeAll and DecodeAll are safe for
// concurrent use, so one codec is shared by all callers.
type ZSTD struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZSTD builds a codec. maxDecoded <= 0 uses DefaultMaxDecodedSize.
func NewZSTD(level Level, maxDecoded int) (*ZSTD, error) {
	if maxDecoded <= 0 {
		maxDecoded = DefaultMaxDecodedSize
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(maxDecoded)),
	)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZSTD{enc: enc, dec: dec}, nil
}

func mustZSTD(level Level) *ZSTD {
	z, err := NewZSTD(level, 0)
	if err != nil {
		panic(err)
	}
	return z
}

// DefaultZSTD packs at LevelDefault and refuses to expand a frame past
// DefaultMaxDecodedSize.
var DefaultZSTD = mustZSTD(LevelDefault)

// ContentEncoding is the HTTP Content-Encoding value for zstd payloads.
func (z *ZSTD) ContentEncoding() string { return "zstd" }

func (z *ZSTD) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (z *ZSTD) Decompress(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
