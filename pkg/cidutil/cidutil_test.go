package cidutil_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/segstore/internal/testkit"
	"github.com/agenthands/segstore/pkg/cidutil"
	"github.com/agenthands/segstore/pkg/core"
)

func TestChunkCIDDeterministic(t *testing.T) {
	b := cidutil.NewBuilder()
	data := testkit.RandomBytes(testkit.RNG(9), 4096)

	c1, err := b.ChunkCID(data)
	if err != nil {
		t.Fatalf("ChunkCID failed: %v", err)
	}
	c2, err := b.ChunkCID(data)
	if err != nil {
		t.Fatalf("ChunkCID failed: %v", err)
	}
	if !bytes.Equal(c1.Bytes, c2.Bytes) {
		t.Error("same content produced different CIDs")
	}

	other, err := b.ChunkCID(append([]byte{0}, data...))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(c1.Bytes, other.Bytes) {
		t.Error("different content produced identical CIDs")
	}
}

func TestManifestCIDDiffersFromChunkCID(t *testing.T) {
	b := cidutil.NewBuilder()
	data := []byte("identical bytes, different codec")

	cc, err := b.ChunkCID(data)
	if err != nil {
		t.Fatal(err)
	}
	mc, err := b.ManifestCID(data)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(cc.Bytes, mc.Bytes) {
		t.Error("chunk and manifest CID should differ in codec")
	}
}

func TestVerify(t *testing.T) {
	b := cidutil.NewBuilder()
	data := []byte("verified content")

	c, err := b.ChunkCID(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Verify(c, data); err != nil {
		t.Errorf("Verify of intact content failed: %v", err)
	}

	damaged := append([]byte(nil), data...)
	damaged[0]++
	if err := b.Verify(c, damaged); !errors.Is(err, core.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for damaged content, got %v", err)
	}

	if err := b.Verify(core.CID{Bytes: []byte{0xFF}}, data); !errors.Is(err, core.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for invalid CID bytes, got %v", err)
	}
}
