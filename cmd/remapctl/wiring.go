package main

import (
	"context"
	"fmt"
	"os"

	"github.com/amp-labs/keyremap-controller/bounce"
	"github.com/amp-labs/keyremap-controller/config"
	"github.com/amp-labs/keyremap-controller/controller"
	"github.com/amp-labs/keyremap-controller/supervisor"
	"go.uber.org/atomic"
)

const processTypeInteractive = "Interactive"

// services is the object graph behind run, status and bounce perform.
type services struct {
	cfg           *config.Config
	agent         *supervisor.LaunchAgent
	requirements  supervisor.Requirements
	store         *bounce.FileStore
	ctrl          *controller.Controller
	bouncer       *bounce.Coordinator
	settling      atomic.Bool
	// settlePending is set by every settle trigger.
	settlePending atomic.Bool
}

func plistFor(cfg *config.Config) supervisor.Plist {
	return supervisor.Plist{
		Label:       cfg.Service.Label,
		Program:     cfg.Service.Program,
		Args:        cfg.Service.Args,
		Env:         cfg.Service.Env,
		StdoutPath:  cfg.Service.StdoutPath,
		StderrPath:  cfg.Service.StderrPath,
		RunAtLoad:   false,
		KeepAlive:   true,
		ProcessType: processTypeInteractive,
	}
}

func requirementsFor(cfg *config.Config) supervisor.Requirements {
	return supervisor.Requirements{
		Program:     cfg.Service.Program,
		GrantMarker: cfg.GrantMarker,
	}
}

func bounceStore(cfg *config.Config) *bounce.FileStore {
	return bounce.NewFileStore(cfg.StateDir)
}

// requestOnly returns a coordinator that can read and write the flag but
// has no service to bounce.
func requestOnly(cfg *config.Config) *bounce.Coordinator {
	return bounce.NewCoordinator(bounceStore(cfg), nil)
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	var opts []supervisor.AgentOption
	if cfg.Service.LockFile != "" {
		opts = append(opts, supervisor.WithLockFile(cfg.Service.LockFile))
	}

	agent, err := supervisor.NewLaunchAgent(plistFor(cfg), opts...)
	if err != nil {
		return nil, err
	}

	requirements := requirementsFor(cfg)

	ctrl, err := controller.New(ctx, controller.Options{
		Requirements: requirements,
		Installer:    agent,
		Supervisor:   agent,
		Applier:      supervisor.ConfigApplier{Agent: agent, ConfigPath: cfg.RemapConfig},
		HistorySize:  cfg.HistorySize,
	})
	if err != nil {
		return nil, err
	}

	store := bounceStore(cfg)

	bouncer := bounce.NewCoordinator(store, ctrl,
		bounce.WithBackoff(cfg.Bounce.InitialInterval, cfg.Bounce.MaxInterval),
		bounce.WithMaxElapsed(cfg.Bounce.MaxElapsed),
	)

	return &services{
		cfg:          cfg,
		agent:        agent,
		requirements: requirements,
		store:        store,
		ctrl:         ctrl,
		bouncer:      bouncer,
	}, nil
}
