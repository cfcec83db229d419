package footer

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/agenthands/segstore/pkg/core"
)

// Length is the size of the trailing footer: four zero bytes followed by the
// big-endian CRC32 of everything before the footer, read back as one
// big-endian uint64.
const Length = 8

// Checksum is the recorded integrity value of a sealed file. It is opaque;
// two checksums are only ever compared for equality.
type Checksum uint64

// Writer wraps an io.Writer and keeps a running checksum of every byte
// written through it. Finish appends the footer.
type Writer struct {
	w   io.Writer
	crc hash.Hash32
	n   int64
}

// NewWriter returns a checksum-tracking writer. The caller owns the
// underlying writer and must call Finish before closing it.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, crc: crc32.NewIEEE()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.crc.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Checksum returns the running checksum over the content written so far.
// The footer itself is never hashed.
func (w *Writer) Checksum() Checksum {
	return Checksum(w.crc.Sum32())
}

// BytesWritten reports the total bytes written, including the footer once
// Finish has been called.
func (w *Writer) BytesWritten() int64 {
	return w.n
}

// Finish appends the 8-byte footer and returns the content checksum it
// recorded.
func (w *Writer) Finish() (Checksum, error) {
	sum := Checksum(w.crc.Sum32())
	var buf [Length]byte
	binary.BigEndian.PutUint64(buf[:], uint64(sum))
	n, err := w.w.Write(buf[:])
	w.n += int64(n)
	if err != nil {
		return 0, fmt.Errorf("write footer: %w", err)
	}
	return sum, nil
}

// Retrieve reads the checksum recorded in the trailing footer of the named
// file without re-reading the content. It performs no structural validation
// beyond requiring the file to be large enough to carry a footer.
func Retrieve(path string) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() < Length {
		return 0, fmt.Errorf("%w: %s too short to carry a footer (%d bytes)", core.ErrCorrupt, filepath.Base(path), fi.Size())
	}

	var buf [Length]byte
	if _, err := f.ReadAt(buf[:], fi.Size()-Length); err != nil {
		return 0, fmt.Errorf("read footer of %s: %w", filepath.Base(path), err)
	}
	return Checksum(binary.BigEndian.Uint64(buf[:])), nil
}

// VerifyReaderAt recomputes the content checksum of a footer-terminated
// region and compares it against the footer recorded at its end. name is
// used for diagnostics only.
func VerifyReaderAt(r io.ReaderAt, length int64, name string) (Checksum, error) {
	if length < Length {
		return 0, fmt.Errorf("%w: %s too short to carry a footer (%d bytes)", core.ErrCorrupt, name, length)
	}
	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(r, 0, length-Length)); err != nil {
		return 0, fmt.Errorf("read content of %s: %w", name, err)
	}
	computed := Checksum(crc.Sum32())

	var buf [Length]byte
	if _, err := r.ReadAt(buf[:], length-Length); err != nil {
		return 0, fmt.Errorf("read footer of %s: %w", name, err)
	}
	stored := binary.BigEndian.Uint64(buf[:])
	if stored>>32 != 0 {
		return 0, fmt.Errorf("%w: invalid footer prefix %#08x in %s", core.ErrCorrupt, uint32(stored>>32), name)
	}
	if Checksum(stored) != computed {
		return 0, fmt.Errorf("%w: checksum mismatch in %s: computed=%d stored=%d", core.ErrCorrupt, name, computed, stored)
	}
	return computed, nil
}

// Verify recomputes the content checksum of the named file and compares it
// against the recorded footer. The first four footer bytes must be zero.
func Verify(path string) (Checksum, error) {
	in, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := in.Seek(in.Length() - Length); err != nil {
		return 0, err
	}
	computed := in.Checksum()

	stored, err := in.ReadUint64()
	if err != nil {
		return 0, err
	}
	if stored>>32 != 0 {
		return 0, fmt.Errorf("%w: invalid footer prefix %#08x in %s", core.ErrCorrupt, uint32(stored>>32), filepath.Base(path))
	}
	if Checksum(stored) != computed {
		return 0, fmt.Errorf("%w: checksum mismatch in %s: computed=%d stored=%d", core.ErrCorrupt, filepath.Base(path), computed, stored)
	}
	return computed, nil
}
