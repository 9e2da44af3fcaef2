// Package errors provides utilities for error handling in schedscope.
package errors

import (
	"github.com/rs/zerolog"
)

// restorer is anything that undoes an installation exactly once.
type restorer interface {
	Restore() error
}

// DeferRestore runs a restorer with logging. Leaving instrumentation installed
// is a process-wide correctness risk, so restore failures log at error level.
func DeferRestore(logger zerolog.Logger, r restorer, msg string) {
	if r == nil {
		return
	}
	if err := r.Restore(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}
