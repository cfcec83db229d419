// Package compound implements the .cfs compound container: a bundle of whole
// sealed segment files behind a single checksum footer.
//
// Open validates the magic, the table of contents and the footer's four-byte
// zero prefix, but it does not recompute the outer CRC. The raw checksum
// value in the last four bytes is therefore never verified by the reader;
// every member keeps its own footer and is verified individually instead.
package compound

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/footer"
)

const (
	// Ext is the file extension of compound container files.
	Ext = ".cfs"

	Magic   = "SCFS"
	Version = 1

	headerLen   = len(Magic) + 1
	tocLenBytes = 4
)

// Member is one sub-file to be bundled into a container.
type Member struct {
	Name string
	Data []byte
}

// Entry locates one member inside the container.
type Entry struct {
	Name   string `cbor:"name"`
	Offset int64  `cbor:"offset"`
	Length int64  `cbor:"length"`
}

// Write creates a compound container holding the given members verbatim.
func Write(path string, members []Member) error {
	if len(members) == 0 {
		return fmt.Errorf("%w: no members to bundle", core.ErrInvalidInput)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create compound file: %w", err)
	}
	defer f.Close()

	fw := footer.NewWriter(f)
	if _, err := fw.Write(append([]byte(Magic), Version)); err != nil {
		return fmt.Errorf("write compound header: %w", err)
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		offset := fw.BytesWritten()
		if _, err := fw.Write(m.Data); err != nil {
			return fmt.Errorf("write member %s: %w", m.Name, err)
		}
		entries = append(entries, Entry{Name: m.Name, Offset: offset, Length: int64(len(m.Data))})
	}

	em, _ := cbor.CanonicalEncOptions().EncMode()
	toc, err := em.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode toc: %w", err)
	}
	if _, err := fw.Write(toc); err != nil {
		return fmt.Errorf("write toc: %w", err)
	}

	var lenBuf [tocLenBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(toc)))
	if _, err := fw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write toc length: %w", err)
	}

	if _, err := fw.Finish(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync compound file: %w", err)
	}
	return f.Close()
}

// Reader provides access to the members of a compound container.
type Reader struct {
	f       *os.File
	size    int64
	entries map[string]Entry
}

// Open opens a compound container and reads its table of contents.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := open(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func open(f *os.File, path string) (*Reader, error) {
	name := filepath.Base(path)

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size < int64(headerLen+tocLenBytes+footer.Length) {
		return nil, fmt.Errorf("%w: %s too short for a compound file (%d bytes)", core.ErrCorrupt, name, size)
	}

	hdr := make([]byte, headerLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("read compound header of %s: %w", name, err)
	}
	if !bytes.Equal(hdr[:len(Magic)], []byte(Magic)) {
		return nil, fmt.Errorf("%w: bad compound magic in %s", core.ErrCorrupt, name)
	}
	if hdr[len(Magic)] != Version {
		return nil, fmt.Errorf("%w: unsupported compound version %d in %s", core.ErrCorrupt, hdr[len(Magic)], name)
	}

	// Structural footer check only: the zero prefix must hold, the CRC
	// value itself is not recomputed here.
	var ftr [footer.Length]byte
	if _, err := f.ReadAt(ftr[:], size-footer.Length); err != nil {
		return nil, fmt.Errorf("read compound footer of %s: %w", name, err)
	}
	if v := binary.BigEndian.Uint64(ftr[:]); v>>32 != 0 {
		return nil, fmt.Errorf("%w: invalid footer prefix %#08x in %s", core.ErrCorrupt, uint32(v>>32), name)
	}

	var lenBuf [tocLenBytes]byte
	if _, err := f.ReadAt(lenBuf[:], size-footer.Length-tocLenBytes); err != nil {
		return nil, fmt.Errorf("read toc length of %s: %w", name, err)
	}
	tocLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	tocStart := size - footer.Length - tocLenBytes - tocLen
	if tocLen == 0 || tocStart < int64(headerLen) {
		return nil, fmt.Errorf("%w: invalid toc length %d in %s", core.ErrCorrupt, tocLen, name)
	}

	toc := make([]byte, tocLen)
	if _, err := f.ReadAt(toc, tocStart); err != nil {
		return nil, fmt.Errorf("read toc of %s: %w", name, err)
	}

	var entries []Entry
	if err := cbor.Unmarshal(toc, &entries); err != nil {
		return nil, fmt.Errorf("%w: failed to decode toc of %s: %v", core.ErrCorrupt, name, err)
	}

	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.Offset < int64(headerLen) || e.Length < 0 || e.Offset+e.Length > tocStart {
			return nil, fmt.Errorf("%w: member %s out of bounds in %s", core.ErrCorrupt, e.Name, name)
		}
		byName[e.Name] = e
	}

	return &Reader{f: f, size: size, entries: byName}, nil
}

// Names returns the member names in sorted order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Member returns a reader over the verbatim bytes of the named member.
func (r *Reader) Member(name string) (*io.SectionReader, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: member %s", core.ErrNotFound, name)
	}
	return io.NewSectionReader(r.f, e.Offset, e.Length), nil
}

// VerifyMember re-verifies the named member against its own checksum footer.
func (r *Reader) VerifyMember(name string) (footer.Checksum, error) {
	sr, err := r.Member(name)
	if err != nil {
		return 0, err
	}
	return footer.VerifyReaderAt(sr, sr.Size(), name)
}

func (r *Reader) Close() error {
	return r.f.Close()
}
