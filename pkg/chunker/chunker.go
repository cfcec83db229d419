package chunker

import (
	"context"
	"io"
	"sync"

	"github.com/jotfs/fastcdc-go"
)

const (
	defaultMin = 64 * 1024
	defaultAvg = 256 * 1024
	defaultMax = 1024 * 1024
)

// Chunk is a single content-defined chunk. Buf is pooled; the consumer must
// hand it back via ReturnBuffer once done.
type Chunk struct {
	Buf []byte
	N   int
}

// Config defines the chunking parameters.
type Config struct {
	Min int
	Avg int
	Max int
}

// Chunker splits an io.Reader into content-defined chunks.
type Chunker interface {
	Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error)
	ReturnBuffer(buf []byte)
}

type cdcChunker struct {
	cfg  Config
	pool sync.Pool
}

// New returns a FastCDC-backed Chunker. Zero-valued config fields fall back
// to the package defaults.
func New(cfg Config) Chunker {
	if cfg.Min == 0 {
		cfg.Min = defaultMin
	}
	if cfg.Avg == 0 {
		cfg.Avg = defaultAvg
	}
	if cfg.Max == 0 {
		cfg.Max = defaultMax
	}
	return &cdcChunker{
		cfg: cfg,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, cfg.Max)
			},
		},
	}
}

func (c *cdcChunker) Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		cdc, err := fastcdc.NewChunker(r, fastcdc.Options{
			MinSize:     c.cfg.Min,
			AverageSize: c.cfg.Avg,
			MaxSize:     c.cfg.Max,
		})
		if err != nil {
			errs <- err
			return
		}

		for {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}

			chunk, err := cdc.Next()
			if err != nil {
				if err != io.EOF {
					errs <- err
				}
				return
			}

			// The fastcdc buffer is reused on the next call; copy into
			// a pooled buffer before handing the chunk over.
			buf := c.pool.Get().([]byte)
			n := copy(buf, chunk.Data)

			select {
			case <-ctx.Done():
				c.pool.Put(buf)
				errs <- ctx.Err()
				return
			case chunks <- Chunk{Buf: buf, N: n}:
			}
		}
	}()

	return chunks, errs
}

// ReturnBuffer hands a chunk buffer back to the pool.
func (c *cdcChunker) ReturnBuffer(buf []byte) {
	c.pool.Put(buf)
}
