package segstore

import (
	"github.com/agenthands/segstore/pkg/core"
)

var (
	ErrNotFound     = core.ErrNotFound
	ErrInvalidInput = core.ErrInvalidInput
	ErrCorrupt      = core.ErrCorrupt
	ErrTooLarge     = core.ErrTooLarge
	ErrClosed       = core.ErrClosed
)
