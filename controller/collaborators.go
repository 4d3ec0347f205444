package controller

import "context"

// RequirementsChecker reports whether the OS permissions the service needs
// have been granted.
type RequirementsChecker interface {
	Check(ctx context.Context) (bool, error)
}

// Installer installs the service registration.
type Installer interface {
	Installed(ctx context.Context) (bool, error)
	Install(ctx context.Context) error
}

// Supervisor starts and stops the external service. Both calls return once
// the outcome is known.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Restarter is implemented by supervisors that can restart in one step.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Prober is implemented by supervisors that can tell whether the service is
// already running.
type Prober interface {
	Running(ctx context.Context) (bool, error)
}

// ConfigApplier pushes the current remap configuration to the service.
type ConfigApplier interface {
	Apply(ctx context.Context) error
}

// RequirementsFunc adapts a function to RequirementsChecker.
type RequirementsFunc func(ctx context.Context) (bool, error)

func (f RequirementsFunc) Check(ctx context.Context) (bool, error) {
	return f(ctx)
}

// ApplierFunc adapts a function to ConfigApplier.
type ApplierFunc func(ctx context.Context) error

func (f ApplierFunc) Apply(ctx context.Context) error {
	return f(ctx)
}
