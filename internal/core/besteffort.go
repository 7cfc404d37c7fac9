package core

import (
	"log/slog"
)

// BestEffort runs a side-channel operation whose failure must not abort the
// caller. A failure is logged at warn level and reported as false.
func BestEffort(logger *slog.Logger, op string, fn func() error, attrs ...any) bool {
	if err := fn(); err != nil {
		if logger != nil {
			logger.Warn(op+" failed", append(attrs, "err", err)...)
		}
		return false
	}
	return true
}
