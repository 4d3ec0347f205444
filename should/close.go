// Package should wraps cleanup calls whose failure is worth a log line but
// not an error return, so they fit in defer statements.
package should

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/amp-labs/keyremap-controller/logger"
)

// Close closes closer and logs msg if that fails.
//
//	defer should.Close(ctx, file, "closing flag file")
func Close(ctx context.Context, closer io.Closer, msg string) {
	if err := closer.Close(); err != nil {
		logger.Get(ctx).Warn(msg, "error", err)
	}
}

// Remove removes path and logs msg if that fails. A path that is already
// gone is not a failure.
func Remove(ctx context.Context, path string, msg string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Get(ctx).Warn(msg, "path", path, "error", err)
	}
}
