package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amp-labs/keyremap-controller/lifecycle"
	"github.com/amp-labs/keyremap-controller/logger"
)

// maxAutoStartSteps bounds AutoStart; the longest useful path is
// initialize, install, start.
const maxAutoStartSteps = 4

// operation wraps one controller operation with logging and metrics. An
// operation whose caller has already given up is not started.
func (c *Controller) operation(ctx context.Context, name string, f func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx = logger.EnsureCorrelationID(ctx)
	ctx = logger.With(ctx, "operation", name)

	start := time.Now()
	err := f(ctx)

	operationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		operationsTotal.WithLabelValues(name, outcomeSuccess).Inc()
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		operationsTotal.WithLabelValues(name, outcomeRejected).Inc()
		logger.Get(ctx).Info("operation rejected", "error", err)
	default:
		operationsTotal.WithLabelValues(name, outcomeFailed).Inc()
		logger.Get(ctx).Error("operation failed", "error", err)
	}

	return err
}

// send, sendFrom and fail deliver on a context detached from the caller's
// cancellation. Once an operation has moved the machine into a transitioning
// state its closing or failure event must land, or the machine is stuck there.
// Collaborators still get the caller's ctx, so a cancel surfaces as their
// failure and is recorded through fail.
func (c *Controller) send(ctx context.Context, values lifecycle.Values, events ...lifecycle.Event) error {
	_, err := confine(context.WithoutCancel(ctx), c, func(ctx context.Context, st *confined) (struct{}, error) {
		return struct{}{}, st.send(ctx, values, events...)
	})

	return err
}

// sendFrom is send that also returns the state the first event left.
func (c *Controller) sendFrom(ctx context.Context, events ...lifecycle.Event) (lifecycle.State, error) {
	return confine(context.WithoutCancel(ctx), c, func(ctx context.Context, st *confined) (lifecycle.State, error) {
		from := st.machine.State()

		return from, st.send(ctx, nil, events...)
	})
}

// fail records cause through ev and returns cause, or the rejection if ev was
// not legal either.
func (c *Controller) fail(ctx context.Context, ev lifecycle.Event, cause error, extra lifecycle.Values) error {
	_, err := confine(context.WithoutCancel(ctx), c, func(ctx context.Context, st *confined) (struct{}, error) {
		return struct{}{}, st.fail(ctx, ev, cause, extra)
	})
	if err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

// Initialize runs initialize and check-requirements, then asks the
// requirements checker about permissions and the installer about the service
// registration. Either one missing ends in requirements-failed with the
// missing part recorded under KeyMissing.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.operation(ctx, "initialize", func(ctx context.Context) error {
		if err := c.send(ctx, nil, lifecycle.EventInitialize, lifecycle.EventCheckRequirements); err != nil {
			return err
		}

		granted, err := c.requirements.Check(ctx)
		if err != nil {
			return c.fail(ctx, lifecycle.EventErrorOccurred, fmt.Errorf("checking requirements: %w", err), nil)
		}

		if !granted {
			return c.fail(ctx, lifecycle.EventRequirementsFailed, ErrRequirementsNotMet, lifecycle.Values{
				KeyMissing: lifecycle.StringValue(MissingPermissions),
			})
		}

		installed, err := c.installer.Installed(ctx)
		if err != nil {
			return c.fail(ctx, lifecycle.EventErrorOccurred, fmt.Errorf("checking installation: %w", err), nil)
		}

		if !installed {
			return c.fail(ctx, lifecycle.EventRequirementsFailed, ErrNotInstalled, lifecycle.Values{
				KeyMissing: lifecycle.StringValue(MissingInstallation),
			})
		}

		if err := c.send(ctx, nil, lifecycle.EventRequirementsPassed); err != nil {
			return err
		}

		return c.reconcile(ctx)
	})
}

// reconcile brings the machine to running when the service survived a
// controller restart.
func (c *Controller) reconcile(ctx context.Context) error {
	prober, ok := c.supervisor.(Prober)
	if !ok {
		return nil
	}

	running, err := prober.Running(ctx)
	if err != nil {
		logger.Get(ctx).Warn("could not probe service", "error", err)

		return nil
	}

	if !running {
		return nil
	}

	logger.Get(ctx).Info("service already running, adopting it")

	return c.send(ctx, lifecycle.Values{"adopted": lifecycle.BoolValue(true)},
		lifecycle.EventStartService, lifecycle.EventServiceStarted)
}

// Install registers the service. Legal after a failed requirements check or
// a failed installation.
func (c *Controller) Install(ctx context.Context) error {
	return c.operation(ctx, "install", func(ctx context.Context) error {
		if err := c.send(ctx, nil, lifecycle.EventStartInstallation); err != nil {
			return err
		}

		if err := c.installer.Install(ctx); err != nil {
			return c.fail(ctx, lifecycle.EventInstallationFailed, fmt.Errorf("installing: %w", err), nil)
		}

		return c.send(ctx, nil, lifecycle.EventInstallationCompleted)
	})
}

// Start starts the service from stopped or error.
func (c *Controller) Start(ctx context.Context) error {
	return c.operation(ctx, "start", func(ctx context.Context) error {
		if err := c.send(ctx, nil, lifecycle.EventStartService); err != nil {
			return err
		}

		return c.startService(ctx)
	})
}

// startService finishes a start once the machine is in starting.
func (c *Controller) startService(ctx context.Context) error {
	if err := c.supervisor.Start(ctx); err != nil {
		return c.fail(ctx, lifecycle.EventServiceFailed, fmt.Errorf("starting service: %w", err), nil)
	}

	return c.send(ctx, nil, lifecycle.EventServiceStarted)
}

// Stop stops the service from running or error.
func (c *Controller) Stop(ctx context.Context) error {
	return c.operation(ctx, "stop", func(ctx context.Context) error {
		if err := c.send(ctx, nil, lifecycle.EventStopService); err != nil {
			return err
		}

		if err := c.supervisor.Stop(ctx); err != nil {
			return c.fail(ctx, lifecycle.EventErrorOccurred, fmt.Errorf("stopping service: %w", err), nil)
		}

		return c.send(ctx, nil, lifecycle.EventServiceStopped)
	})
}

// Restart restarts a running service.
func (c *Controller) Restart(ctx context.Context) error {
	return c.operation(ctx, "restart", func(ctx context.Context) error {
		if err := c.send(ctx, nil, lifecycle.EventRestartService); err != nil {
			return err
		}

		if restarter, ok := c.supervisor.(Restarter); ok {
			if err := restarter.Restart(ctx); err != nil {
				return c.fail(ctx, lifecycle.EventErrorOccurred, fmt.Errorf("restarting service: %w", err), nil)
			}

			return c.send(ctx, nil, lifecycle.EventServiceStarted)
		}

		if err := c.supervisor.Stop(ctx); err != nil {
			return c.fail(ctx, lifecycle.EventErrorOccurred, fmt.Errorf("stopping service: %w", err), nil)
		}

		if err := c.send(ctx, nil, lifecycle.EventServiceStopped); err != nil {
			return err
		}

		return c.startService(ctx)
	})
}

// ApplyConfig pushes the configuration to the service. From stopped or
// configuration-error the service is started afterwards, since
// configuration-applied always lands in running.
func (c *Controller) ApplyConfig(ctx context.Context) error {
	return c.operation(ctx, "apply-config", func(ctx context.Context) error {
		from, err := c.sendFrom(ctx, lifecycle.EventConfigurationChanged)
		if err != nil {
			return err
		}

		if err := c.applier.Apply(ctx); err != nil {
			return c.fail(ctx, lifecycle.EventConfigurationFailed, fmt.Errorf("applying configuration: %w", err), nil)
		}

		if from != lifecycle.Running {
			if err := c.supervisor.Start(ctx); err != nil {
				return c.fail(ctx, lifecycle.EventErrorOccurred, fmt.Errorf("starting service: %w", err), nil)
			}
		}

		return c.send(ctx, nil, lifecycle.EventConfigurationApplied)
	})
}

// AutoStart drives the service to running from wherever the machine is:
// initializing, installing when that is what is missing, and starting. It
// stops at missing permissions, since only the user can grant them.
func (c *Controller) AutoStart(ctx context.Context) error {
	return c.operation(ctx, "auto-start", func(ctx context.Context) error {
		installed := false

		for range maxAutoStartSteps {
			info, err := c.StateInfo(ctx)
			if err != nil {
				return err
			}

			switch info.State {
			case lifecycle.Running:
				return nil
			case lifecycle.Uninitialized:
				err := c.Initialize(ctx)
				if err != nil && !errors.Is(err, ErrNotInstalled) {
					return err
				}
			case lifecycle.RequirementsFailed, lifecycle.InstallationFailed:
				missing, _ := info.Values.GetString(KeyMissing)
				if info.State == lifecycle.RequirementsFailed && missing != MissingInstallation {
					return ErrRequirementsNotMet
				}

				if installed {
					return fmt.Errorf("%w: installation did not succeed", ErrNotInstalled)
				}

				installed = true

				if err := c.Install(ctx); err != nil {
					return err
				}
			case lifecycle.Stopped, lifecycle.Error:
				return c.Start(ctx)
			case lifecycle.ConfigurationError:
				return c.ApplyConfig(ctx)
			default:
				return fmt.Errorf("%w: %s", ErrBusy, info.State)
			}
		}

		return fmt.Errorf("%w: gave up after %d steps", ErrBusy, maxAutoStartSteps)
	})
}

// IsRunning, HasError, IsBusy and CanPerformActions report on the current
// state; a stopped controller reports false.

func (c *Controller) IsRunning(ctx context.Context) bool {
	info, err := c.StateInfo(ctx)

	return err == nil && info.IsRunning()
}

func (c *Controller) HasError(ctx context.Context) bool {
	info, err := c.StateInfo(ctx)

	return err == nil && info.HasError()
}

func (c *Controller) IsBusy(ctx context.Context) bool {
	info, err := c.StateInfo(ctx)

	return err == nil && info.IsBusy()
}

func (c *Controller) CanPerformActions(ctx context.Context) bool {
	info, err := c.StateInfo(ctx)

	return err == nil && info.CanPerformActions()
}

// StateDisplay returns the human readable current state.
func (c *Controller) StateDisplay(ctx context.Context) string {
	info, err := c.StateInfo(ctx)
	if err != nil {
		return "Unavailable"
	}

	return info.Display
}
