package manifest

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/agenthands/segstore/pkg/core"
)

// ChunkRef references a chunk by its CID and its plaintext length.
type ChunkRef struct {
	CID core.CID `cbor:"cid"`
	Len uint32   `cbor:"len"`
}

// ManifestV1 is the stored form of an object manifest.
type ManifestV1 struct {
	Version   uint16            `cbor:"version"`
	MediaType string            `cbor:"media_type,omitempty"`
	Length    uint64            `cbor:"length"`
	Chunks    []ChunkRef        `cbor:"chunks"`
	Tags      map[string]string `cbor:"tags,omitempty"`
}

// Codec encodes, decodes and validates manifests.
type Codec interface {
	Encode(m *ManifestV1) ([]byte, error)
	Decode(b []byte) (*ManifestV1, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a manifest codec enforcing the given limits.
func NewCodec(limits core.LimitsConfig) Codec {
	// Canonical CBOR keeps manifest bytes deterministic so the manifest
	// CID is stable for identical content.
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{limits: limits, encMode: em}
}

func (c *codec) Encode(m *ManifestV1) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return c.encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*ManifestV1, error) {
	var m ManifestV1
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrCorrupt, err)
	}
	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return &m, nil
}

func (c *codec) validate(m *ManifestV1) error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	if c.limits.MaxChunksPerObject > 0 && uint32(len(m.Chunks)) > c.limits.MaxChunksPerObject {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxChunksPerObject)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		if len(chunk.CID.Bytes) == 0 {
			return fmt.Errorf("chunk %d has empty CID", i)
		}
		sumLength += uint64(chunk.Len)
	}
	if sumLength != m.Length {
		return fmt.Errorf("length mismatch: manifest says %d, chunks sum to %d", m.Length, sumLength)
	}
	if c.limits.MaxObjectBytes > 0 && m.Length > c.limits.MaxObjectBytes {
		return fmt.Errorf("object too large: %d > %d", m.Length, c.limits.MaxObjectBytes)
	}

	if c.limits.MaxTags > 0 && len(m.Tags) > c.limits.MaxTags {
		return fmt.Errorf("too many tags: %d > %d", len(m.Tags), c.limits.MaxTags)
	}
	for k, v := range m.Tags {
		if c.limits.MaxTagKeyLen > 0 && len(k) > c.limits.MaxTagKeyLen {
			return fmt.Errorf("tag key too long: %d > %d", len(k), c.limits.MaxTagKeyLen)
		}
		if c.limits.MaxTagValLen > 0 && len(v) > c.limits.MaxTagValLen {
			return fmt.Errorf("tag value too long: %d > %d", len(v), c.limits.MaxTagValLen)
		}
	}

	if c.limits.MaxMediaTypeLen > 0 && len(m.MediaType) > c.limits.MaxMediaTypeLen {
		return fmt.Errorf("media type too long: %d > %d", len(m.MediaType), c.limits.MaxMediaTypeLen)
	}
	return nil
}
