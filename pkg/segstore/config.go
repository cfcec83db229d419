package segstore

import (
	"github.com/agenthands/segstore/pkg/core"
)

type Config = core.Config
type ChunkingConfig = core.ChunkingConfig
type SegmentConfig = core.SegmentConfig
type CatalogConfig = core.CatalogConfig
type TransformConfig = core.TransformConfig
type LimitsConfig = core.LimitsConfig
type ScrubConfig = core.ScrubConfig
