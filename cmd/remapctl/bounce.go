package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/amp-labs/keyremap-controller/bounce"
	"github.com/amp-labs/keyremap-controller/cli"
	"github.com/spf13/cobra"
)

var errBounceDeclined = errors.New("bounce not confirmed")

func newBounceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bounce",
		Short: "Inspect, request or perform a service bounce (stop then start)",
	}

	cmd.AddCommand(
		newBounceRequestCommand(a),
		newBounceStatusCommand(a),
		newBouncePerformCommand(a),
	)

	return cmd
}

func newBounceRequestCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Record that the service owes a bounce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config(cmd.Context())
			if err != nil {
				return err
			}

			if err := requestOnly(cfg).RequestBounce(cmd.Context(), reason); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "bounce requested")

			return err
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "requested from the command line", "why the bounce is owed")

	return cmd
}

func newBounceStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a bounce is owed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config(cmd.Context())
			if err != nil {
				return err
			}

			status, err := requestOnly(cfg).CheckBounceNeeded(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), formatBounceStatus(status))

			return err
		},
	}
}

func formatBounceStatus(status bounce.Status) string {
	if !status.Needed {
		return "no bounce owed\n"
	}

	since := "unknown time"
	if status.HasSince {
		since = status.Since.Round(time.Second).String()
	}

	return fmt.Sprintf("bounce owed for %s, %d attempt(s), reason: %s\n", since, status.Attempts, status.Reason)
}

func newBouncePerformCommand(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "perform",
		Short: "Stop and start the service now, clearing the flag on success",
		Long: "Perform runs the bounce in this process. Do not use it while 'remapctl run' is " +
			"active; request a bounce instead and the running controller performs it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := a.config(ctx)
			if err != nil {
				return err
			}

			if !yes {
				ok, err := cli.PromptConfirm(os.Stdin, os.Stdout, "Stop and restart the remapping service")
				if err != nil {
					return err
				}

				if !ok {
					return errBounceDeclined
				}
			}

			svc, err := buildServices(ctx, cfg)
			if err != nil {
				return err
			}

			defer svc.ctrl.Close()

			if err := svc.ctrl.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize: %w", err)
			}

			if err := svc.bouncer.RequestBounce(ctx, "performed from the command line"); err != nil {
				return err
			}

			if _, err := svc.bouncer.RunIfNeeded(ctx); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "bounce completed")

			return err
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func newPermissionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Record OS permission grants",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "grant",
		Short: "Mark the permissions as granted and owe the service a bounce",
		Long: "Grant writes the grant marker the requirements check looks for, then requests a " +
			"bounce so a running service picks up the new permissions.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := a.config(ctx)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
				return fmt.Errorf("creating state dir: %w", err)
			}

			requirements := requirementsFor(cfg)
			if err := requirements.Grant(time.Now()); err != nil {
				return err
			}

			if err := requestOnly(cfg).RequestBounce(ctx, "permissions granted"); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "permissions recorded, bounce requested")

			return err
		},
	})

	return cmd
}
