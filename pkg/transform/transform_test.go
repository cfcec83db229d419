package transform_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/segstore/internal/testkit"
	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/transform"
)

func TestRoundTrip(t *testing.T) {
	rng := testkit.RNG(11)

	cases := []struct {
		name string
		tr   transform.Transform
	}{
		{"none", transform.NewNone()},
		{"zstd", transform.NewZstd(3)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, plain := range [][]byte{
				nil,
				[]byte("short"),
				testkit.RandomBytes(rng, 16*1024),
				testkit.CompressibleBytes(rng, 16*1024),
			} {
				stored, err := tc.tr.Encode(plain)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				got, err := tc.tr.Decode(stored)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if !bytes.Equal(got, plain) {
					t.Errorf("round trip mismatch for %d bytes", len(plain))
				}
			}
		})
	}
}

func TestZstdCompresses(t *testing.T) {
	tr := transform.NewZstd(3)
	plain := testkit.CompressibleBytes(testkit.RNG(5), 64*1024)

	stored, err := tr.Encode(plain)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) >= len(plain) {
		t.Errorf("compressible input did not shrink: %d -> %d", len(plain), len(stored))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tr := transform.NewZstd(3)

	for _, stored := range [][]byte{
		nil,
		[]byte("tiny"),
		[]byte("XXXX\x01\x01payload with bad magic"),
	} {
		if _, err := tr.Decode(stored); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("Decode(%q) = %v, want ErrCorrupt", stored, err)
		}
	}
}

func TestDecodeRejectsUnknownAlgorithm(t *testing.T) {
	tr := transform.NewZstd(3)
	plain := []byte("payload")

	stored, err := tr.Encode(plain)
	if err != nil {
		t.Fatal(err)
	}
	stored[5] = 0x7F // unknown algorithm id

	if _, err := tr.Decode(stored); !errors.Is(err, core.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
