package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrEmptyConfig is returned when the remap configuration file is empty.
var ErrEmptyConfig = errors.New("remap configuration is empty")

// ConfigApplier makes the service pick up its remap configuration. The
// service reads the file at start, so a running service is restarted; a
// stopped one is left for the controller to start.
type ConfigApplier struct {
	Agent      *LaunchAgent
	ConfigPath string
}

func (c ConfigApplier) Apply(ctx context.Context) error {
	info, err := os.Stat(c.ConfigPath)
	if err != nil {
		return fmt.Errorf("remap configuration: %w", err)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyConfig, c.ConfigPath)
	}

	running, err := c.Agent.Running(ctx)
	if err != nil {
		return err
	}

	if !running {
		return nil
	}

	return c.Agent.Restart(ctx)
}
