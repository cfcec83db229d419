package manifest_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/manifest"
)

func testCodec() manifest.Codec {
	return manifest.NewCodec(core.LimitsConfig{
		MaxChunksPerObject: 4,
		MaxTags:            2,
		MaxTagKeyLen:       8,
		MaxTagValLen:       8,
		MaxMediaTypeLen:    32,
	})
}

func validManifest() *manifest.ManifestV1 {
	return &manifest.ManifestV1{
		Version:   1,
		MediaType: "text/plain",
		Length:    10,
		Chunks: []manifest.ChunkRef{
			{CID: core.CID{Bytes: []byte("cid1")}, Len: 6},
			{CID: core.CID{Bytes: []byte("cid2")}, Len: 4},
		},
		Tags: map[string]string{"k": "v"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := testCodec()
	m := validManifest()

	b, err := c.Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.Length != m.Length || got.MediaType != m.MediaType || len(got.Chunks) != len(m.Chunks) {
		t.Errorf("decoded manifest differs: %+v", got)
	}
	for i := range m.Chunks {
		if !bytes.Equal(got.Chunks[i].CID.Bytes, m.Chunks[i].CID.Bytes) || got.Chunks[i].Len != m.Chunks[i].Len {
			t.Errorf("chunk %d differs", i)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	// Canonical CBOR keeps manifest bytes stable, so the manifest CID is
	// stable too.
	c := testCodec()

	b1, err := c.Encode(validManifest())
	if err != nil {
		t.Fatal(err)
	}
	b2, err := c.Encode(validManifest())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("encoding is not deterministic")
	}
}

func TestValidation(t *testing.T) {
	c := testCodec()

	cases := []struct {
		name   string
		mutate func(*manifest.ManifestV1)
	}{
		{"BadVersion", func(m *manifest.ManifestV1) { m.Version = 2 }},
		{"LengthMismatch", func(m *manifest.ManifestV1) { m.Length = 11 }},
		{"EmptyChunkCID", func(m *manifest.ManifestV1) { m.Chunks[0].CID = core.CID{} }},
		{"TooManyChunks", func(m *manifest.ManifestV1) {
			m.Chunks = append(m.Chunks,
				manifest.ChunkRef{CID: core.CID{Bytes: []byte("c3")}, Len: 0},
				manifest.ChunkRef{CID: core.CID{Bytes: []byte("c4")}, Len: 0},
				manifest.ChunkRef{CID: core.CID{Bytes: []byte("c5")}, Len: 0})
		}},
		{"TooManyTags", func(m *manifest.ManifestV1) {
			m.Tags = map[string]string{"a": "1", "b": "2", "c": "3"}
		}},
		{"TagKeyTooLong", func(m *manifest.ManifestV1) {
			m.Tags = map[string]string{"averylongtagkey": "v"}
		}},
		{"MediaTypeTooLong", func(m *manifest.ManifestV1) {
			m.MediaType = "application/x-something-quite-long-indeed"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(m)
			if _, err := c.Encode(m); !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("Encode = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	c := testCodec()
	if _, err := c.Decode([]byte("not cbor at all")); !errors.Is(err, core.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
