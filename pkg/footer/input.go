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

// Input is a checksum-computing sequential reader over a footer-terminated
// file. It starts at offset 0 and hashes every byte it returns or skips, so
// Checksum always reflects exactly the bytes before the current position.
type Input struct {
	f      *os.File
	crc    hash.Hash32
	pos    int64
	length int64
}

// Open opens the named file for checksum-computing sequential reads.
func Open(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < Length {
		f.Close()
		return nil, fmt.Errorf("%w: %s too short to carry a footer (%d bytes)", core.ErrCorrupt, filepath.Base(path), fi.Size())
	}
	return &Input{f: f, crc: crc32.NewIEEE(), length: fi.Size()}, nil
}

func (in *Input) Read(p []byte) (int, error) {
	n, err := in.f.Read(p)
	in.crc.Write(p[:n])
	in.pos += int64(n)
	return n, err
}

// ReadUint64 reads the next eight bytes as a big-endian value.
func (in *Input) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(in, buf[:]); err != nil {
		return 0, fmt.Errorf("read uint64 at %d: %w", in.pos, err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Seek advances the input to the given absolute offset, hashing the skipped
// bytes. Seeking backwards is not supported.
func (in *Input) Seek(offset int64) error {
	if offset < in.pos {
		return fmt.Errorf("%w: cannot seek backwards from %d to %d", core.ErrInvalidInput, in.pos, offset)
	}
	if offset > in.length {
		return fmt.Errorf("%w: seek past end: %d > %d", core.ErrInvalidInput, offset, in.length)
	}
	n, err := io.CopyN(in.crc, in.f, offset-in.pos)
	in.pos += n
	if err != nil {
		return fmt.Errorf("seek to %d: %w", offset, err)
	}
	return nil
}

// Checksum returns the running checksum over the bytes consumed so far.
func (in *Input) Checksum() Checksum {
	return Checksum(in.crc.Sum32())
}

// Length reports the total file length, footer included.
func (in *Input) Length() int64 {
	return in.length
}

// Position reports the current read offset.
func (in *Input) Position() int64 {
	return in.pos
}

func (in *Input) Close() error {
	return in.f.Close()
}
