package core

type Config struct {
	Dir string // repo root

	Chunking  ChunkingConfig
	Segment   SegmentConfig
	Catalog   CatalogConfig
	Limits    LimitsConfig
	Transform TransformConfig
	Scrub     ScrubConfig
}

type ChunkingConfig struct {
	Min int
	Avg int
	Max int
}

type SegmentConfig struct {
	Dir                string
	TargetSegmentBytes uint64
	// ArchiveMaxBytes bounds the size of segments eligible for compound
	// archiving; 0 means every sealed segment is eligible.
	ArchiveMaxBytes uint64
	SealFsync       bool
}

type CatalogConfig struct {
	Dir string
}

type TransformConfig struct {
	Name      string
	ZstdLevel int
}

type LimitsConfig struct {
	MaxObjectBytes     uint64
	MaxChunksPerObject uint32
	MaxTags            int
	MaxTagKeyLen       int
	MaxTagValLen       int
	MaxMediaTypeLen    int
}

type ScrubConfig struct {
	// MaxIOBytesPerSec throttles scrub reads; 0 disables throttling.
	MaxIOBytesPerSec uint64
}
