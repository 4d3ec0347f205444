package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/amp-labs/keyremap-controller/bounce"
	"github.com/amp-labs/keyremap-controller/cli"
	"github.com/amp-labs/keyremap-controller/controller"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/amp-labs/keyremap-controller/should"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const statusTimeout = 3 * time.Second

var errStatusUnavailable = errors.New("controller status unavailable")

type bounceReport struct {
	Needed   bool   `yaml:"needed"`
	Reason   string `yaml:"reason,omitempty"`
	Attempts int    `yaml:"attempts"`
	OwedFor  string `yaml:"owedFor,omitempty"`
}

type statusReport struct {
	State          string       `yaml:"state"`
	Display        string       `yaml:"display"`
	LastEvent      string       `yaml:"lastEvent"`
	LastTransition time.Time    `yaml:"lastTransition,omitempty"`
	ErrorMessage   string       `yaml:"errorMessage,omitempty"`
	Operational    bool         `yaml:"operational"`
	Busy           bool         `yaml:"busy"`
	CanAct         bool         `yaml:"canPerformActions"`
	ValidEvents    []string     `yaml:"validEvents"`
	Bounce         bounceReport `yaml:"bounce"`
}

func buildStatusReport(ctx context.Context, ctrl *controller.Controller, bouncer *bounce.Coordinator) (*statusReport, error) {
	info, err := ctrl.StateInfo(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		State:          info.State.String(),
		Display:        info.Display,
		LastEvent:      info.LastEvent.String(),
		LastTransition: info.LastTransition,
		ErrorMessage:   info.ErrorMessage,
		Operational:    info.IsRunning(),
		Busy:           info.IsBusy(),
		CanAct:         info.CanPerformActions(),
	}

	for _, ev := range info.ValidEvents {
		report.ValidEvents = append(report.ValidEvents, ev.String())
	}

	status, err := bouncer.CheckBounceNeeded(ctx)
	if err != nil {
		return nil, err
	}

	report.Bounce = bounceReport{
		Needed:   status.Needed,
		Reason:   status.Reason,
		Attempts: status.Attempts,
	}

	if status.HasSince {
		report.Bounce.OwedFor = status.Since.Round(time.Second).String()
	}

	return report, nil
}

func statusHandler(ctrl *controller.Controller, bouncer *bounce.Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report, err := buildStatusReport(r.Context(), ctrl, bouncer)
		if err != nil {
			logger.Get(r.Context()).Warn("status unavailable", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)

			return
		}

		out, err := yaml.Marshal(report)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(out)
	})
}

// statusURL turns a listen address into something a client can dial.
func statusURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return "http://" + net.JoinHostPort(host, port) + "/status", nil
}

func fetchStatus(ctx context.Context, addr string) (*statusReport, error) {
	url, err := statusURL(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStatusUnavailable, err)
	}

	defer should.Close(ctx, resp.Body, "closing status response")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", errStatusUnavailable, resp.Status, strings.TrimSpace(string(body)))
	}

	var report statusReport
	if err := yaml.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}

	return &report, nil
}

func renderStatus(ctx context.Context, report *statusReport) string {
	lines := []string{
		"State:   " + report.Display,
		"Event:   " + report.LastEvent,
	}

	if !report.LastTransition.IsZero() {
		lines = append(lines, "Since:   "+report.LastTransition.Local().Format(time.DateTime))
	}

	if report.ErrorMessage != "" {
		lines = append(lines, "Error:   "+report.ErrorMessage)
	}

	if report.Bounce.Needed {
		lines = append(lines, fmt.Sprintf("Bounce:  owed %s (%d attempts) %s",
			report.Bounce.OwedFor, report.Bounce.Attempts, report.Bounce.Reason))
	}

	lines = append(lines, "Allowed: "+strings.Join(report.ValidEvents, ", "))

	text := strings.Join(lines, "\n")
	if cli.BannerSuppressed(ctx) {
		return text + "\n"
	}

	return cli.Banner(text, cli.DefaultWidth, cli.AlignLeft) + "\n"
}

func newStatusCommand(a *app) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := a.config(ctx)
			if err != nil {
				return err
			}

			report, err := fetchStatus(ctx, cfg.MetricsAddress)
			if err != nil {
				return err
			}

			if raw {
				out, err := yaml.Marshal(report)
				if err != nil {
					return err
				}

				_, err = cmd.OutOrStdout().Write(out)

				return err
			}

			_, err = io.WriteString(cmd.OutOrStdout(), renderStatus(ctx, report))

			return err
		},
	}

	cmd.Flags().BoolVar(&raw, "yaml", false, "print the raw status document")

	return cmd
}
