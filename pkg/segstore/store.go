package segstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/agenthands/segstore/pkg/catalog"
	"github.com/agenthands/segstore/pkg/chunker"
	"github.com/agenthands/segstore/pkg/cidutil"
	"github.com/agenthands/segstore/pkg/compound"
	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/manifest"
	"github.com/agenthands/segstore/pkg/segment"
	"github.com/agenthands/segstore/pkg/transform"
)

const defaultTargetSegmentBytes = 64 << 20

type store struct {
	cfg Config

	chunker   chunker.Chunker
	cidHub    cidutil.Builder
	manifests manifest.Codec
	catalog   catalog.Catalog
	transform transform.Transform

	// mu guards the active segment writer and rotation. Single-writer
	// invariant: one Put at a time.
	mu       sync.Mutex
	activeID uint64
	active   *segment.Writer
	closed   bool
}

// Open initializes and opens a segment store rooted at cfg.Dir.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Segment.Dir == "" {
		cfg.Segment.Dir = filepath.Join(cfg.Dir, "segments")
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = filepath.Join(cfg.Dir, "catalog")
	}
	if cfg.Segment.TargetSegmentBytes == 0 {
		cfg.Segment.TargetSegmentBytes = defaultTargetSegmentBytes
	}

	if err := os.MkdirAll(cfg.Segment.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	cat, err := catalog.Open(cfg.Catalog.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	var tr transform.Transform
	switch cfg.Transform.Name {
	case "zstd":
		tr = transform.NewZstd(cfg.Transform.ZstdLevel)
	case "none", "":
		tr = transform.NewNone()
	default:
		cat.Close()
		return nil, fmt.Errorf("unsupported transform: %s", cfg.Transform.Name)
	}

	s := &store{
		cfg:       cfg,
		chunker:   chunker.New(chunker.Config{Min: cfg.Chunking.Min, Avg: cfg.Chunking.Avg, Max: cfg.Chunking.Max}),
		cidHub:    cidutil.NewBuilder(),
		manifests: manifest.NewCodec(cfg.Limits),
		catalog:   cat,
		transform: tr,
	}

	nextID, err := s.nextSegmentID(ctx)
	if err != nil {
		cat.Close()
		return nil, err
	}
	if err := s.openActive(nextID); err != nil {
		cat.Close()
		return nil, err
	}
	return s, nil
}

// nextSegmentID scans both the segment directory and the catalog seal
// records; archived segments are gone from the directory but their IDs must
// never be reused.
func (s *store) nextSegmentID(ctx context.Context) (uint64, error) {
	var maxID uint64

	entries, err := os.ReadDir(s.cfg.Segment.Dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := segment.ParseName(entry.Name()); ok && id > maxID {
			maxID = id
		}
	}

	err = s.catalog.IterateSegmentSeals(ctx, func(segID uint64, _ catalog.SealRecord) error {
		if segID > maxID {
			maxID = segID
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

func (s *store) openActive(id uint64) error {
	w, err := segment.Create(s.segPath(id))
	if err != nil {
		return fmt.Errorf("failed to create active segment %d: %w", id, err)
	}
	s.activeID = id
	s.active = w
	return nil
}

func (s *store) segPath(id uint64) string {
	return filepath.Join(s.cfg.Segment.Dir, segment.Name(id))
}

func (s *store) Put(ctx context.Context, key Key, r io.Reader, meta PutMeta) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Ref{}, core.ErrClosed
	}

	chunks, errs := s.chunker.Split(ctx, r)

	var chunkRefs []manifest.ChunkRef
	var totalLen uint64

	batch := s.catalog.NewBatch()
	defer batch.Close()

	// Consume every chunk before checking the error channel so the last
	// chunk is never lost to a racing select.
	for c := range chunks {
		if ctx.Err() != nil {
			s.chunker.ReturnBuffer(c.Buf)
			return Ref{}, ctx.Err()
		}

		chunkCID, err := s.cidHub.ChunkCID(c.Buf[:c.N])
		if err != nil {
			s.chunker.ReturnBuffer(c.Buf)
			return Ref{}, err
		}

		if _, err := s.appendChunk(ctx, batch, chunkCID, c.Buf[:c.N]); err != nil {
			s.chunker.ReturnBuffer(c.Buf)
			return Ref{}, err
		}

		chunkRefs = append(chunkRefs, manifest.ChunkRef{CID: chunkCID, Len: uint32(c.N)})
		totalLen += uint64(c.N)
		s.chunker.ReturnBuffer(c.Buf)
	}

	if err, ok := <-errs; ok && err != nil {
		return Ref{}, err
	}

	m := &manifest.ManifestV1{
		Version:   1,
		MediaType: meta.MediaType,
		Length:    totalLen,
		Chunks:    chunkRefs,
		Tags:      meta.Tags,
	}

	mBytes, err := s.manifests.Encode(m)
	if err != nil {
		return Ref{}, err
	}
	mCID, err := s.cidHub.ManifestCID(mBytes)
	if err != nil {
		return Ref{}, err
	}
	if _, err := s.appendChunk(ctx, batch, mCID, mBytes); err != nil {
		return Ref{}, err
	}

	if err := s.catalog.PutManifestForKey(batch, key, mCID); err != nil {
		return Ref{}, err
	}
	if err := batch.Commit(nil); err != nil {
		return Ref{}, err
	}

	if err := s.rotateIfNeeded(); err != nil {
		return Ref{}, err
	}
	return Ref{ManifestCID: mCID}, nil
}

// appendChunk writes one addressed payload into the active segment unless it
// is already stored. It reports whether the chunk was deduplicated.
func (s *store) appendChunk(ctx context.Context, batch *pebble.Batch, c core.CID, plain []byte) (bool, error) {
	_, exists, err := s.catalog.GetFrameLoc(ctx, c)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return false, fmt.Errorf("invalid CID: %w", err)
	}
	blk, err := blocks.NewBlockWithCid(plain, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	stored, err := s.transform.Encode(blk.RawData())
	if err != nil {
		return false, err
	}
	offset, err := s.active.Append(stored)
	if err != nil {
		return false, err
	}
	loc := core.FrameLoc{SegmentID: s.activeID, Offset: uint64(offset)}
	return false, s.catalog.PutFrameLoc(batch, c, loc)
}

func (s *store) rotateIfNeeded() error {
	if uint64(s.active.Size()) < s.cfg.Segment.TargetSegmentBytes {
		return nil
	}
	if err := s.sealActive(); err != nil {
		return err
	}
	return s.openActive(s.activeID + 1)
}

func (s *store) sealActive() error {
	sum, length, err := s.active.Seal(s.cfg.Segment.SealFsync)
	if err != nil {
		return fmt.Errorf("failed to seal segment %d: %w", s.activeID, err)
	}
	s.active = nil
	rec := catalog.SealRecord{Checksum: sum, Length: uint64(length)}
	if err := s.catalog.PutSegmentSeal(nil, s.activeID, rec); err != nil {
		return fmt.Errorf("failed to record seal of segment %d: %w", s.activeID, err)
	}
	return nil
}

func (s *store) Resolve(ctx context.Context, key Key) (Ref, error) {
	mCID, ok, err := s.catalog.GetManifestForKey(ctx, key)
	if err != nil {
		return Ref{}, err
	}
	if !ok {
		return Ref{}, ErrNotFound
	}
	return Ref{ManifestCID: mCID}, nil
}

func (s *store) Get(ctx context.Context, ref Ref) (io.ReadCloser, GetInfo, error) {
	mBytes, err := s.readChunk(ctx, ref.ManifestCID)
	if err != nil {
		return nil, GetInfo{}, err
	}
	m, err := s.manifests.Decode(mBytes)
	if err != nil {
		return nil, GetInfo{}, err
	}

	r := &objectReader{
		ctx:    ctx,
		s:      s,
		chunks: m.Chunks,
	}
	return r, GetInfo{Length: m.Length, MediaType: m.MediaType}, nil
}

func (s *store) HasChunk(ctx context.Context, c CID) (bool, error) {
	_, ok, err := s.catalog.GetFrameLoc(ctx, c)
	return ok, err
}

func (s *store) GetChunk(ctx context.Context, c CID) (io.ReadCloser, uint32, error) {
	plain, err := s.readChunk(ctx, c)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(plain)), uint32(len(plain)), nil
}

// readChunk resolves, reads, decodes and hash-verifies one addressed frame.
func (s *store) readChunk(ctx context.Context, c CID) ([]byte, error) {
	loc, ok, err := s.catalog.GetFrameLoc(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	payload, err := s.readFrame(ctx, loc)
	if err != nil {
		return nil, err
	}
	plain, err := s.transform.Decode(payload)
	if err != nil {
		return nil, err
	}
	if err := s.cidHub.Verify(c, plain); err != nil {
		return nil, err
	}
	return plain, nil
}

// readFrame reads a frame from its segment file, falling back to the
// compound archive when the segment has been archived away.
func (s *store) readFrame(ctx context.Context, loc core.FrameLoc) ([]byte, error) {
	f, err := os.Open(s.segPath(loc.SegmentID))
	if err == nil {
		defer f.Close()
		return segment.ReadFrameAt(f, int64(loc.Offset))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	archive, ok, lerr := s.catalog.GetArchiveForSegment(ctx, loc.SegmentID)
	if lerr != nil {
		return nil, lerr
	}
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", ErrNotFound, loc.SegmentID)
	}

	cr, err := compound.Open(filepath.Join(s.cfg.Segment.Dir, archive))
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	member, err := cr.Member(segment.Name(loc.SegmentID))
	if err != nil {
		return nil, err
	}
	return segment.ReadFrameAt(member, int64(loc.Offset))
}

func (s *store) Archive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, core.ErrClosed
	}

	entries, err := os.ReadDir(s.cfg.Segment.Dir)
	if err != nil {
		return 0, err
	}

	var members []compound.Member
	var ids []uint64
	var maxID uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := segment.ParseName(entry.Name())
		if !ok || id == s.activeID {
			continue
		}
		_, sealed, err := s.catalog.GetSegmentSeal(ctx, id)
		if err != nil {
			return 0, err
		}
		if !sealed {
			continue
		}

		path := s.segPath(id)
		if s.cfg.Segment.ArchiveMaxBytes > 0 {
			fi, err := entry.Info()
			if err != nil {
				return 0, err
			}
			if uint64(fi.Size()) > s.cfg.Segment.ArchiveMaxBytes {
				continue
			}
		}

		// Never bundle a segment that is already corrupt; archiving
		// must not launder a bad checksum into a fresh container.
		if _, err := segment.Verify(path); err != nil {
			return 0, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		members = append(members, compound.Member{Name: entry.Name(), Data: data})
		ids = append(ids, id)
		if id > maxID {
			maxID = id
		}
	}

	if len(members) == 0 {
		return 0, nil
	}

	archName := fmt.Sprintf("arch-%016x%s", maxID, compound.Ext)
	if err := compound.Write(filepath.Join(s.cfg.Segment.Dir, archName), members); err != nil {
		return 0, err
	}

	batch := s.catalog.NewBatch()
	defer batch.Close()
	for _, id := range ids {
		if err := s.catalog.PutArchiveForSegment(batch, id, archName); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(nil); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := os.Remove(s.segPath(id)); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var sealErr error
	if s.active != nil {
		if s.active.Size() > int64(segment.HeaderLen) {
			sealErr = s.sealActive()
		} else {
			sealErr = s.active.Abort()
			s.active = nil
		}
	}

	if err := s.catalog.Close(); err != nil {
		return err
	}
	return sealErr
}

type objectReader struct {
	ctx    context.Context
	s      *store
	chunks []manifest.ChunkRef

	currentChunk io.ReadCloser
	chunkIdx     int
}

func (r *objectReader) Read(p []byte) (n int, err error) {
	for {
		if r.currentChunk == nil {
			if r.chunkIdx >= len(r.chunks) {
				return 0, io.EOF
			}
			rc, _, err := r.s.GetChunk(r.ctx, r.chunks[r.chunkIdx].CID)
			if err != nil {
				return 0, err
			}
			r.currentChunk = rc
		}

		n, err = r.currentChunk.Read(p)
		if err == io.EOF {
			r.currentChunk.Close()
			r.currentChunk = nil
			r.chunkIdx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *objectReader) Close() error {
	if r.currentChunk != nil {
		return r.currentChunk.Close()
	}
	return nil
}
