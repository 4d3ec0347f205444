package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
)

// Requirements decides whether the service can run: its program must be an
// executable file, and when a grant marker is configured it must exist. The
// marker is written by whoever observes the OS permission grant (see
// Grant); this package never asks the OS itself.
type Requirements struct {
	Program     string
	GrantMarker string
}

func (r Requirements) Check(ctx context.Context) (bool, error) {
	info, err := os.Stat(r.Program)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Get(ctx).Warn("service program missing", "program", r.Program)

			return false, nil
		}

		return false, fmt.Errorf("checking service program: %w", err)
	}

	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		logger.Get(ctx).Warn("service program is not executable", "program", r.Program)

		return false, nil
	}

	if r.GrantMarker == "" {
		return true, nil
	}

	if _, err := os.Stat(r.GrantMarker); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Get(ctx).Info("permissions not granted yet", "marker", r.GrantMarker)

			return false, nil
		}

		return false, fmt.Errorf("checking grant marker: %w", err)
	}

	return true, nil
}

// Grant records that the OS permissions were granted.
func (r Requirements) Grant(now time.Time) error {
	if r.GrantMarker == "" {
		return nil
	}

	if err := os.WriteFile(r.GrantMarker, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing grant marker: %w", err)
	}

	return nil
}
