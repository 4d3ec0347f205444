package main

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/amp-labs/keyremap-controller/config"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/amp-labs/keyremap-controller/startup"
	"github.com/spf13/cobra"
)

const appName = "remapctl"

var exampleUsage = strings.TrimSpace(`
  remapctl run --config ~/.config/keyremap/remapctl.yaml
  remapctl status
  remapctl diagram --mermaid --direction LR
  remapctl bounce request --reason "accessibility permission granted"
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

// app carries what the persistent flags resolved to.
type app struct {
	configPath  string
	envOverride bool
}

// config loads the settings. Commands that only need the state machine never call it.
func (a *app) config(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Supervise the keyboard remapping service",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if err := startup.ConfigureEnvironment(ctx, startup.WithAllowOverride(a.envOverride)); err != nil {
				return err
			}

			if _, err := logger.ConfigureLogging(ctx, appName); err != nil {
				return err
			}

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"settings file (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	root.PersistentFlags().BoolVar(&a.envOverride, "env-override", false,
		"let files named in $ENV_FILE replace variables already set")

	root.AddCommand(
		newRunCommand(a),
		newStatusCommand(a),
		newDiagramCommand(),
		newValidateCommand(),
		newBounceCommand(a),
		newPermissionsCommand(a),
	)

	return root
}
