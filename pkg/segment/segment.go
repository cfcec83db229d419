package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/footer"
)

const (
	// Ext is the file extension of sealed segment files.
	Ext = ".seg"

	Magic   = "SSEG"
	Version = 1

	// HeaderLen is the fixed header: magic plus a version byte.
	HeaderLen = len(Magic) + 1

	frameHeaderLen = 4

	// maxFrameBytes bounds a single frame; larger length prefixes are
	// treated as corruption rather than allocated.
	maxFrameBytes = 1 << 30
)

// Name returns the canonical file name of the segment with the given ID.
func Name(id uint64) string {
	return fmt.Sprintf("seg-%016x%s", id, Ext)
}

// ParseName extracts the segment ID from a canonical segment file name.
func ParseName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "seg-") || !strings.HasSuffix(name, Ext) {
		return 0, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(name, "seg-"), Ext)
	id, err := strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Writer appends length-prefixed frames to a new segment file and seals it
// with a checksum footer.
type Writer struct {
	f    *os.File
	fw   *footer.Writer
	path string
}

// Create creates a new segment file and writes its header. The file must not
// already exist.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	fw := footer.NewWriter(f)
	hdr := append([]byte(Magic), Version)
	if _, err := fw.Write(hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	return &Writer{f: f, fw: fw, path: path}, nil
}

// Append writes one frame and returns the offset of its length prefix.
func (w *Writer) Append(payload []byte) (int64, error) {
	if len(payload) > maxFrameBytes {
		return 0, fmt.Errorf("%w: frame of %d bytes", core.ErrTooLarge, len(payload))
	}
	offset := w.fw.BytesWritten()

	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.fw.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.fw.Write(payload); err != nil {
		return 0, fmt.Errorf("write frame payload: %w", err)
	}
	return offset, nil
}

// Size reports the bytes written so far, header included.
func (w *Writer) Size() int64 {
	return w.fw.BytesWritten()
}

// Seal finishes the checksum footer and closes the file. It returns the
// recorded checksum and the final file length.
func (w *Writer) Seal(fsync bool) (footer.Checksum, int64, error) {
	sum, err := w.fw.Finish()
	if err != nil {
		w.f.Close()
		return 0, 0, err
	}
	if fsync {
		if err := w.f.Sync(); err != nil {
			w.f.Close()
			return 0, 0, fmt.Errorf("sync segment: %w", err)
		}
	}
	length := w.fw.BytesWritten()
	if err := w.f.Close(); err != nil {
		return 0, 0, fmt.Errorf("close segment: %w", err)
	}
	return sum, length, nil
}

// Abort closes and removes an unsealed segment.
func (w *Writer) Abort() error {
	w.f.Close()
	return os.Remove(w.path)
}

// ReadFrameAt reads the frame whose length prefix starts at offset.
func ReadFrameAt(r io.ReaderAt, offset int64) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := r.ReadAt(hdr[:], offset); err != nil {
		return nil, fmt.Errorf("read frame header at %d: %w", offset, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("%w: frame length %d at offset %d", core.ErrCorrupt, n, offset)
	}
	payload := make([]byte, n)
	if _, err := r.ReadAt(payload, offset+frameHeaderLen); err != nil {
		return nil, fmt.Errorf("read frame payload at %d: %w", offset, err)
	}
	return payload, nil
}

// Verify checks the header magic and the checksum footer of the named file.
func Verify(path string) (footer.Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	hdr := make([]byte, HeaderLen)
	_, err = io.ReadFull(f, hdr)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("read segment header of %s: %w", filepath.Base(path), err)
	}
	if !bytes.Equal(hdr[:len(Magic)], []byte(Magic)) {
		return 0, fmt.Errorf("%w: bad segment magic in %s", core.ErrCorrupt, filepath.Base(path))
	}
	if hdr[len(Magic)] != Version {
		return 0, fmt.Errorf("%w: unsupported segment version %d in %s", core.ErrCorrupt, hdr[len(Magic)], filepath.Base(path))
	}
	return footer.Verify(path)
}
