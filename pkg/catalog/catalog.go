package catalog

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/agenthands/segstore/pkg/core"
	"github.com/agenthands/segstore/pkg/footer"
)

var (
	PrefixC2L     = []byte("c2l:")
	PrefixK2M     = []byte("k2m:")
	PrefixSeal    = []byte("ss:")
	PrefixArchive = []byte("ar:")
)

// SealRecord is what the engine remembers about a sealed segment: the
// checksum its footer recorded and its final length.
type SealRecord struct {
	Checksum footer.Checksum
	Length   uint64
}

// Catalog is the embedded KV index over segments and objects.
type Catalog interface {
	GetFrameLoc(ctx context.Context, cid core.CID) (core.FrameLoc, bool, error)
	PutFrameLoc(batch *pebble.Batch, cid core.CID, loc core.FrameLoc) error

	GetManifestForKey(ctx context.Context, key core.Key) (core.CID, bool, error)
	PutManifestForKey(batch *pebble.Batch, key core.Key, manifest core.CID) error

	PutSegmentSeal(batch *pebble.Batch, segID uint64, rec SealRecord) error
	GetSegmentSeal(ctx context.Context, segID uint64) (SealRecord, bool, error)
	IterateSegmentSeals(ctx context.Context, fn func(segID uint64, rec SealRecord) error) error

	PutArchiveForSegment(batch *pebble.Batch, segID uint64, archive string) error
	GetArchiveForSegment(ctx context.Context, segID uint64) (string, bool, error)

	NewBatch() *pebble.Batch
	Close() error
}

type pebbleCatalog struct {
	db *pebble.DB
}

// Open opens a Pebble-based catalog in the specified directory.
func Open(dir string) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleCatalog{db: db}, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func (c *pebbleCatalog) GetFrameLoc(ctx context.Context, cid core.CID) (core.FrameLoc, bool, error) {
	key := append(PrefixC2L, cid.Bytes...)
	val, closer, err := c.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return core.FrameLoc{}, false, nil
		}
		return core.FrameLoc{}, false, err
	}
	defer closer.Close()

	if len(val) != 16 {
		return core.FrameLoc{}, false, fmt.Errorf("%w: invalid frame location length", core.ErrCorrupt)
	}
	return core.FrameLoc{
		SegmentID: binary.BigEndian.Uint64(val[:8]),
		Offset:    binary.BigEndian.Uint64(val[8:]),
	}, true, nil
}

func (c *pebbleCatalog) PutFrameLoc(batch *pebble.Batch, cid core.CID, loc core.FrameLoc) error {
	key := append(PrefixC2L, cid.Bytes...)
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[:8], loc.SegmentID)
	binary.BigEndian.PutUint64(val[8:], loc.Offset)

	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

func (c *pebbleCatalog) GetManifestForKey(ctx context.Context, key core.Key) (core.CID, bool, error) {
	k := encodeKey(key)
	val, closer, err := c.db.Get(k)
	if err != nil {
		if err == pebble.ErrNotFound {
			return core.CID{}, false, nil
		}
		return core.CID{}, false, err
	}
	defer closer.Close()

	res := make([]byte, len(val))
	copy(res, val)
	return core.CID{Bytes: res}, true, nil
}

func (c *pebbleCatalog) PutManifestForKey(batch *pebble.Batch, key core.Key, manifest core.CID) error {
	k := encodeKey(key)
	if batch != nil {
		return batch.Set(k, manifest.Bytes, nil)
	}
	return c.db.Set(k, manifest.Bytes, pebble.Sync)
}

func (c *pebbleCatalog) PutSegmentSeal(batch *pebble.Batch, segID uint64, rec SealRecord) error {
	key := sealKey(segID)
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[:8], uint64(rec.Checksum))
	binary.BigEndian.PutUint64(val[8:], rec.Length)

	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

func (c *pebbleCatalog) GetSegmentSeal(ctx context.Context, segID uint64) (SealRecord, bool, error) {
	val, closer, err := c.db.Get(sealKey(segID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return SealRecord{}, false, nil
		}
		return SealRecord{}, false, err
	}
	defer closer.Close()

	if len(val) != 16 {
		return SealRecord{}, false, fmt.Errorf("%w: invalid seal record length", core.ErrCorrupt)
	}
	return SealRecord{
		Checksum: footer.Checksum(binary.BigEndian.Uint64(val[:8])),
		Length:   binary.BigEndian.Uint64(val[8:]),
	}, true, nil
}

func (c *pebbleCatalog) IterateSegmentSeals(ctx context.Context, fn func(segID uint64, rec SealRecord) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: PrefixSeal,
		UpperBound: incrementByte(PrefixSeal),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		k := iter.Key()
		if len(k) != len(PrefixSeal)+8 {
			continue
		}
		segID := binary.BigEndian.Uint64(k[len(PrefixSeal):])

		val := iter.Value()
		if len(val) != 16 {
			return fmt.Errorf("%w: invalid seal record for segment %d", core.ErrCorrupt, segID)
		}
		rec := SealRecord{
			Checksum: footer.Checksum(binary.BigEndian.Uint64(val[:8])),
			Length:   binary.BigEndian.Uint64(val[8:]),
		}
		if err := fn(segID, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *pebbleCatalog) PutArchiveForSegment(batch *pebble.Batch, segID uint64, archive string) error {
	key := archiveKey(segID)
	if batch != nil {
		return batch.Set(key, []byte(archive), nil)
	}
	return c.db.Set(key, []byte(archive), pebble.Sync)
}

func (c *pebbleCatalog) GetArchiveForSegment(ctx context.Context, segID uint64) (string, bool, error) {
	val, closer, err := c.db.Get(archiveKey(segID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	defer closer.Close()
	return string(val), true, nil
}

func sealKey(segID uint64) []byte {
	key := make([]byte, 0, len(PrefixSeal)+8)
	key = append(key, PrefixSeal...)
	return binary.BigEndian.AppendUint64(key, segID)
}

func archiveKey(segID uint64) []byte {
	key := make([]byte, 0, len(PrefixArchive)+8)
	key = append(key, PrefixArchive...)
	return binary.BigEndian.AppendUint64(key, segID)
}

func encodeKey(k core.Key) []byte {
	// Simple encoding: k2m:<namespace>:<id>
	return []byte(fmt.Sprintf("%s%s:%s", PrefixK2M, k.Namespace, k.ID))
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
