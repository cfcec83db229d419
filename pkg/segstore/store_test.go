package segstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenthands/segstore/internal/testkit"
	"github.com/agenthands/segstore/pkg/compound"
	"github.com/agenthands/segstore/pkg/segment"
	"github.com/agenthands/segstore/pkg/segstore"
)

func testConfig(t *testing.T) segstore.Config {
	t.Helper()
	return segstore.Config{
		Dir: t.TempDir(),
		Chunking: segstore.ChunkingConfig{
			Min: 256,
			Avg: 1024,
			Max: 4096,
		},
	}
}

func openStore(t *testing.T, cfg segstore.Config) segstore.Store {
	t.Helper()
	s, err := segstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func mustPut(t *testing.T, s segstore.Store, key segstore.Key, data []byte, meta segstore.PutMeta) segstore.Ref {
	t.Helper()
	ref, err := s.Put(context.Background(), key, bytes.NewReader(data), meta)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return ref
}

func mustGet(t *testing.T, s segstore.Store, ref segstore.Ref) ([]byte, segstore.GetInfo) {
	t.Helper()
	rc, info, err := s.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading object failed: %v", err)
	}
	return data, info
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	data := testkit.CompressibleBytes(testkit.RNG(1), 20*1024)
	key := segstore.Key{Namespace: "docs", ID: "report"}
	meta := segstore.PutMeta{MediaType: "application/octet-stream", Tags: map[string]string{"origin": "test"}}

	ref := mustPut(t, s, key, data, meta)

	got, info := mustGet(t, s, ref)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
	if info.Length != uint64(len(data)) {
		t.Errorf("Length = %d, want %d", info.Length, len(data))
	}
	if info.MediaType != meta.MediaType {
		t.Errorf("MediaType = %q, want %q", info.MediaType, meta.MediaType)
	}

	resolved, err := s.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !bytes.Equal(resolved.ManifestCID.Bytes, ref.ManifestCID.Bytes) {
		t.Error("resolved ref differs from put ref")
	}
}

func TestPutEmptyObject(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	ref := mustPut(t, s, segstore.Key{Namespace: "n", ID: "empty"}, nil, segstore.PutMeta{})
	got, info := mustGet(t, s, ref)
	if len(got) != 0 || info.Length != 0 {
		t.Fatalf("empty object came back with %d bytes, Length=%d", len(got), info.Length)
	}
}

func TestPutDeduplicates(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	data := testkit.RandomBytes(testkit.RNG(2), 8*1024)
	ref1 := mustPut(t, s, segstore.Key{Namespace: "a", ID: "1"}, data, segstore.PutMeta{})
	ref2 := mustPut(t, s, segstore.Key{Namespace: "a", ID: "2"}, data, segstore.PutMeta{})

	// Identical content and metadata produce identical manifests.
	if !bytes.Equal(ref1.ManifestCID.Bytes, ref2.ManifestCID.Bytes) {
		t.Error("identical content produced different manifest CIDs")
	}
}

func TestResolveMissing(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	_, err := s.Resolve(context.Background(), segstore.Key{Namespace: "n", ID: "absent"})
	if !errors.Is(err, segstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutReaderFailure(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	src := testkit.NewErrorReader(bytes.NewReader(testkit.RandomBytes(testkit.RNG(3), 64*1024)), 10*1024, nil)
	_, err := s.Put(context.Background(), segstore.Key{Namespace: "n", ID: "fail"}, src, segstore.PutMeta{})
	if err == nil {
		t.Fatal("expected Put to fail when the reader errors")
	}
}

func TestRotationSealsSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.TargetSegmentBytes = 8 * 1024
	s := openStore(t, cfg)
	defer s.Close()

	rng := testkit.RNG(4)
	for i := 0; i < 6; i++ {
		key := segstore.Key{Namespace: "fill", ID: string(rune('a' + i))}
		mustPut(t, s, key, testkit.RandomBytes(rng, 8*1024), segstore.PutMeta{})
	}

	segDir := filepath.Join(cfg.Dir, "segments")
	entries, err := os.ReadDir(segDir)
	if err != nil {
		t.Fatal(err)
	}
	var segs []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), segment.Ext) {
			segs = append(segs, e.Name())
		}
	}
	if len(segs) < 3 {
		t.Fatalf("only %d segment files after rotation, want several", len(segs))
	}

	// Every non-active segment verifies against its footer.
	verified := 0
	for _, name := range segs {
		if _, err := segment.Verify(filepath.Join(segDir, name)); err == nil {
			verified++
		}
	}
	if verified < len(segs)-1 {
		t.Errorf("%d of %d segments verified, want all but the active one", verified, len(segs))
	}
}

func TestArchiveAndReadThrough(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.TargetSegmentBytes = 8 * 1024
	s := openStore(t, cfg)
	defer s.Close()

	rng := testkit.RNG(5)
	objects := map[segstore.Key][]byte{}
	refs := map[segstore.Key]segstore.Ref{}
	for i := 0; i < 6; i++ {
		key := segstore.Key{Namespace: "arch", ID: string(rune('a' + i))}
		data := testkit.RandomBytes(rng, 8*1024)
		objects[key] = data
		refs[key] = mustPut(t, s, key, data, segstore.PutMeta{})
	}

	n, err := s.Archive(context.Background())
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if n < 2 {
		t.Fatalf("archived %d segments, want at least 2", n)
	}

	segDir := filepath.Join(cfg.Dir, "segments")
	entries, err := os.ReadDir(segDir)
	if err != nil {
		t.Fatal(err)
	}
	var compounds int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), compound.Ext) {
			compounds++
		}
	}
	if compounds != 1 {
		t.Fatalf("%d compound files, want 1", compounds)
	}

	// Reads fall through to the compound container.
	for key, want := range objects {
		got, _ := mustGet(t, s, refs[key])
		if !bytes.Equal(got, want) {
			t.Fatalf("object %v corrupted after archiving", key)
		}
	}

	// A second pass has nothing left to bundle.
	n, err = s.Archive(context.Background())
	if err != nil {
		t.Fatalf("second Archive failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second Archive bundled %d segments, want 0", n)
	}
}

func TestReopenPersists(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	data := testkit.RandomBytes(testkit.RNG(6), 12*1024)
	key := segstore.Key{Namespace: "persist", ID: "x"}
	ref := mustPut(t, s, key, data, segstore.PutMeta{MediaType: "text/plain"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := openStore(t, cfg)
	defer s2.Close()

	resolved, err := s2.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("Resolve after reopen failed: %v", err)
	}
	if !bytes.Equal(resolved.ManifestCID.Bytes, ref.ManifestCID.Bytes) {
		t.Error("ref changed across reopen")
	}
	got, info := mustGet(t, s2, resolved)
	if !bytes.Equal(got, data) {
		t.Fatal("object corrupted across reopen")
	}
	if info.MediaType != "text/plain" {
		t.Errorf("MediaType = %q after reopen", info.MediaType)
	}
}

func TestZstdTransformRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transform.Name = "zstd"
	cfg.Transform.ZstdLevel = 3
	s := openStore(t, cfg)
	defer s.Close()

	data := testkit.CompressibleBytes(testkit.RNG(7), 32*1024)
	ref := mustPut(t, s, segstore.Key{Namespace: "z", ID: "1"}, data, segstore.PutMeta{})
	got, _ := mustGet(t, s, ref)
	if !bytes.Equal(got, data) {
		t.Fatal("zstd round trip mismatch")
	}
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, testConfig(t))
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := s.Put(context.Background(), segstore.Key{Namespace: "n", ID: "1"}, bytes.NewReader([]byte("x")), segstore.PutMeta{})
	if !errors.Is(err, segstore.ErrClosed) {
		t.Errorf("Put after Close: %v, want ErrClosed", err)
	}
	if _, err := s.Archive(context.Background()); !errors.Is(err, segstore.ErrClosed) {
		t.Errorf("Archive after Close: %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v, want nil", err)
	}
}
