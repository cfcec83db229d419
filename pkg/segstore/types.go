package segstore

import (
	"context"
	"io"

	"github.com/agenthands/segstore/pkg/core"
)

// Alias core types so callers only need this package.
type CID = core.CID
type Ref = core.Ref
type Key = core.Key

// PutMeta carries optional metadata recorded in the object manifest.
type PutMeta struct {
	MediaType string
	Tags      map[string]string
}

// GetInfo provides metadata about a retrieved object.
type GetInfo struct {
	Length    uint64
	MediaType string
}

// Store is the primary interface of the segment store.
type Store interface {
	Put(ctx context.Context, key Key, r io.Reader, meta PutMeta) (Ref, error)
	Resolve(ctx context.Context, key Key) (Ref, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, GetInfo, error)

	HasChunk(ctx context.Context, cid CID) (bool, error)
	GetChunk(ctx context.Context, cid CID) (io.ReadCloser, uint32, error)

	// Archive bundles eligible sealed segments into a compound container
	// and returns how many segments were archived.
	Archive(ctx context.Context) (int, error)

	Close() error
}
