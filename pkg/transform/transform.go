package transform

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/agenthands/segstore/pkg/core"
)

const (
	Magic = "SSTF"

	envelopeLen = 6
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// Transform encodes chunk plaintext into its stored form and back.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

type noneTransform struct{}

// NewNone returns the passthrough transform. Payloads are still wrapped in
// the envelope so the stored form is self-describing.
func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string { return "none" }

func (t *noneTransform) Encode(plain []byte) ([]byte, error) {
	return envelope(0, AlgNone, plain), nil
}

func (t *noneTransform) Decode(stored []byte) ([]byte, error) {
	flags, _, payload, err := parseEnvelope(stored)
	if err != nil {
		return nil, err
	}
	if flags&FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: compressed payload in none transform", core.ErrCorrupt)
	}
	return payload, nil
}

type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a zstd-compressing transform at the given level.
func NewZstd(level int) Transform {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd writer: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd reader: %v", err))
	}
	return &zstdTransform{encoder: enc, decoder: dec}
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	compressed := t.encoder.EncodeAll(plain, nil)
	return envelope(FlagCompressed, AlgZstd, compressed), nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	flags, alg, payload, err := parseEnvelope(stored)
	if err != nil {
		return nil, err
	}
	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}
	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decode: %v", core.ErrCorrupt, err)
	}
	return plain, nil
}

func envelope(flags, alg byte, payload []byte) []byte {
	out := make([]byte, 0, envelopeLen+len(payload))
	out = append(out, Magic...)
	out = append(out, flags, alg)
	return append(out, payload...)
}

func parseEnvelope(stored []byte) (flags, alg byte, payload []byte, err error) {
	if len(stored) < envelopeLen {
		return 0, 0, nil, fmt.Errorf("%w: payload too small for envelope", core.ErrCorrupt)
	}
	if string(stored[:len(Magic)]) != Magic {
		return 0, 0, nil, fmt.Errorf("%w: invalid envelope magic", core.ErrCorrupt)
	}
	return stored[4], stored[5], stored[envelopeLen:], nil
}
