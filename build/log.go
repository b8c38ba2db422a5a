// Package build provides the shared logging plumbing used by every
// subsystem package in this module: a swappable LogWriter and a
// NewSubLogger helper that hands out tagged btclog.Logger instances.
package build

import (
	"io"

	"github.com/btcsuite/btclog"
)

// LogWriter wraps an underlying io.Writer so it can be swapped out (e.g. for
// a log rotator) after subsystem loggers have already been constructed.
type LogWriter struct {
	io.Writer
}

// NewSubLogger creates a new subsystem logger tagged with subsystem from the
// given backend. If backend is nil a disabled logger is returned, so
// packages can be imported and used in tests without any logging backend
// configured.
func NewSubLogger(subsystem string, backend *btclog.Backend) btclog.Logger {
	if backend == nil {
		return btclog.Disabled
	}
	return backend.Logger(subsystem)
}
