package testkit

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/agenthands/segstore/pkg/compound"
	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/footer"
)

// CorruptionOutcome classifies the result of a corruption attempt.
type CorruptionOutcome int

const (
	// CorruptionDetected means the post-corruption checksum no longer
	// matches the pre-corruption value.
	CorruptionDetected CorruptionOutcome = iota
	// CorruptionInconclusive means both the computed and the stored
	// checksum still equal the pre-corruption value: a checksum
	// collision. Statistically rare, and not a bug.
	CorruptionInconclusive
)

// CorruptionReport describes a single-byte corruption and its outcome.
type CorruptionReport struct {
	Path     string
	Position int64
	OldValue byte
	NewValue byte

	Before footer.Checksum // checksum recorded before the flip
	After  footer.Checksum // checksum computed after the flip
	Stored footer.Checksum // raw footer value read after the flip
	Length int64

	Outcome CorruptionOutcome
}

// unverifiedFooterMargin maps container extensions whose reader does not
// validate the raw checksum value of its own footer. Flipping one of those
// trailing bytes would corrupt the file without making it detectably
// corrupt, so they are excluded from position picking. The .cfs reader
// checks the footer's four-byte zero prefix but never the CRC value in the
// last four bytes.
var unverifiedFooterMargin = map[string]int64{
	compound.Ext: 4,
}

func exclusionMargin(name string) int64 {
	return unverifiedFooterMargin[filepath.Ext(name)]
}

// CorruptFile flips one byte at a random position of one file chosen
// uniformly from the candidate list, then verifies that the file's checksum
// no longer matches its pre-corruption value. The caller supplies the random
// generator, so target and position are reproducible under a fixed seed.
//
// The outcome is tagged, never boolean: Detected when the corruption is
// visible through the checksum, Inconclusive when both post-corruption
// values still equal the old checksum (a collision). An empty candidate
// list, a non-regular file, or any I/O failure is returned as an error.
func CorruptFile(logf func(format string, args ...any), rng *rand.Rand, paths ...string) (CorruptionReport, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if len(paths) == 0 {
		return CorruptionReport{}, fmt.Errorf("%w: no candidate files", core.ErrInvalidInput)
	}

	path := paths[rng.Intn(len(paths))]
	fi, err := os.Stat(path)
	if err != nil {
		return CorruptionReport{}, err
	}
	if !fi.Mode().IsRegular() {
		return CorruptionReport{}, fmt.Errorf("%w: %s is not a regular file", core.ErrInvalidInput, path)
	}

	before, err := footer.Retrieve(path)
	if err != nil {
		return CorruptionReport{}, err
	}

	maxPos := fi.Size()
	if margin := exclusionMargin(path); margin > 0 && maxPos > margin {
		maxPos -= margin
	}
	position := rng.Int63n(maxPos)

	oldValue, newValue, err := flipByteAt(logf, path, position)
	if err != nil {
		return CorruptionReport{}, err
	}

	rep := CorruptionReport{
		Path:     path,
		Position: position,
		OldValue: oldValue,
		NewValue: newValue,
		Before:   before,
	}

	in, err := footer.Open(path)
	if err != nil {
		return rep, err
	}
	defer in.Close()

	if in.Position() != 0 {
		return rep, fmt.Errorf("checksum input for %s not positioned at start: %d", path, in.Position())
	}
	if err := in.Seek(in.Length() - footer.Length); err != nil {
		return rep, err
	}
	rep.After = in.Checksum()

	stored, err := in.ReadUint64()
	if err != nil {
		return rep, err
	}
	rep.Stored = footer.Checksum(stored)
	rep.Length = in.Length()

	logf("checksum before=%d after=%d stored=%d file=%s length=%d",
		rep.Before, rep.After, rep.Stored, filepath.Base(path), rep.Length)

	if rep.After == rep.Before && rep.Stored == rep.Before {
		rep.Outcome = CorruptionInconclusive
	} else {
		rep.Outcome = CorruptionDetected
	}
	return rep, nil
}

// flipByteAt replaces the byte at position with its 8-bit increment and
// makes the change durable before returning.
func flipByteAt(logf func(string, ...any), path string, position int64) (oldValue, newValue byte, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var buf [1]byte
	if _, err := f.ReadAt(buf[:], position); err != nil {
		return 0, 0, fmt.Errorf("read byte at %d: %w", position, err)
	}
	oldValue = buf[0]
	newValue = oldValue + 1 // wraps: 0xFF becomes 0x00
	buf[0] = newValue
	if _, err := f.WriteAt(buf[:], position); err != nil {
		return 0, 0, fmt.Errorf("write byte at %d: %w", position, err)
	}
	if err := f.Sync(); err != nil {
		return 0, 0, err
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return 0, 0, err
	}

	logf("corrupting %s: flipped byte at position %d from %#02x to %#02x",
		filepath.Base(path), position, oldValue, newValue)
	return oldValue, newValue, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// MustCorruptFile runs CorruptFile against the test framework: hard failures
// fail the test, a checksum collision skips it.
func MustCorruptFile(t testing.TB, rng *rand.Rand, paths ...string) CorruptionReport {
	t.Helper()
	rep, err := CorruptFile(t.Logf, rng, paths...)
	if err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	if rep.Outcome == CorruptionInconclusive {
		t.Skipf("checksum collision on %s: before=%d after=%d stored=%d",
			filepath.Base(rep.Path), rep.Before, rep.After, rep.Stored)
	}
	return rep
}
