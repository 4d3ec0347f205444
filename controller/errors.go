package controller

import "errors"

var (
	// ErrRequirementsNotMet is returned by Initialize when permissions are missing.
	ErrRequirementsNotMet = errors.New("requirements not met")
	// ErrNotInstalled is returned by Initialize when the service is not installed.
	ErrNotInstalled = errors.New("service not installed")
	// ErrBusy is returned by AutoStart when another operation is in flight.
	ErrBusy = errors.New("operation in progress")
	// ErrMissingCollaborator is returned by New when a collaborator is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// Values recorded under KeyMissing when requirements fail.
const (
	KeyMissing          = "missing"
	MissingPermissions  = "permissions"
	MissingInstallation = "installation"
)
