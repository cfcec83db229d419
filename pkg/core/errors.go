package core

import (
	"errors"
)

var (
	ErrNotFound     = errors.New("segstore: not found")
	ErrInvalidInput = errors.New("segstore: invalid input")
	ErrCorrupt      = errors.New("segstore: corrupt data")
	ErrTooLarge     = errors.New("segstore: too large")
	ErrClosed       = errors.New("segstore: store closed")
)
