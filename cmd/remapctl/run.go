package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/amp-labs/keyremap-controller/bgworker"
	"github.com/amp-labs/keyremap-controller/config"
	"github.com/amp-labs/keyremap-controller/controller"
	"github.com/amp-labs/keyremap-controller/lifecycle"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/amp-labs/keyremap-controller/shutdown"
	"github.com/amp-labs/keyremap-controller/telemetry"
	"github.com/amp-labs/keyremap-controller/watcher"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 5 * time.Second
	drainTimeout      = 5 * time.Second
	transitionBuffer  = 16
)

func newRunCommand(a *app) *cobra.Command {
	var (
		noAutoStart    bool
		metricsAddress string
		debounce       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := shutdown.SetupHandler(cmd.Context())

			cfg, err := a.config(ctx)
			if err != nil {
				return err
			}

			// Flags win over the file and the environment, but only when given.
			cmd.Flags().Visit(func(f *pflag.Flag) {
				switch f.Name {
				case "no-auto-start":
					cfg.AutoStart = !noAutoStart
				case "metrics-address":
					cfg.MetricsAddress = metricsAddress
				case "debounce":
					cfg.Debounce = debounce
				}
			})

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&noAutoStart, "no-auto-start", false, "do not start the service on launch")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", config.DefaultMetricsAddress,
		"listen address for /metrics and /status")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce,
		"quiet period before a remap configuration edit is applied")

	return cmd
}

func setupTelemetry(ctx context.Context) error {
	otelCfg, err := telemetry.LoadConfigFromEnv(ctx, "local")
	if err != nil {
		return err
	}

	handler, err := telemetry.Initialize(ctx, otelCfg)
	if err != nil {
		return err
	}

	shutdown.BeforeShutdown(func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()

		if err := telemetry.Shutdown(drainCtx); err != nil {
			logger.Get(ctx).Warn("telemetry shutdown failed", "error", err)
		}
	})

	if handler != nil {
		if _, err := logger.ConfigureLogging(ctx, appName, logger.WithHandlers(handler)); err != nil {
			return err
		}
	}

	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	// Hooks run in order before ctx ends; background work must see the
	// cancellation before the worker pool waits for it.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	shutdown.BeforeShutdown(cancelRun)

	if err := setupTelemetry(ctx); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}

	defer svc.ctrl.Close()

	pool := bgworker.Default(ctx)

	defer logTransitions(ctx, svc.ctrl)()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", statusHandler(svc.ctrl, svc.bouncer))

	server := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		logger.Get(ctx).Info("serving metrics and status", "address", cfg.MetricsAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()

		return server.Shutdown(drainCtx)
	})

	group.Go(func() error {
		w := watcher.New(cfg.RemapConfig, svc.ctrl.ApplyConfig,
			watcher.WithDebounce(cfg.Debounce), watcher.WithPool(pool))

		return watch(groupCtx, w)
	})

	// A bounce requested by another process (bounce request, permissions
	// grant) shows up as a write of the flag file.
	group.Go(func() error {
		w := watcher.New(svc.store.Path(), func(ctx context.Context) error {
			return settle(ctx, svc)
		},
			watcher.WithDebounce(cfg.Debounce), watcher.WithPool(pool))

		return watch(groupCtx, w)
	})

	if err := pool.Run(groupCtx, "startup", func(ctx context.Context) error {
		return settle(ctx, svc)
	}); err != nil {
		return err
	}

	err = group.Wait()

	logger.Get(ctx).Info("controller stopped", "state", svc.ctrl.StateDisplay(context.WithoutCancel(ctx)))

	return err
}

// watch runs w. A watcher that cannot start only costs its trigger, so the
// failure is logged rather than ending the controller.
func watch(ctx context.Context, w *watcher.Watcher) error {
	if err := w.Run(ctx); err != nil {
		logger.Get(ctx).Warn("file watching disabled", "error", err)
	}

	return nil
}

// errSettleBusy keeps a watcher from treating its trigger as handled while
// another settle runs; the running settle picks the trigger up.
var errSettleBusy = fmt.Errorf("settle already running: %w", watcher.ErrDeferred)

// settle brings the service up when auto-start is on, then works off any
// owed bounce. Triggers that arrive during a settle are coalesced into one
// more pass of the running settle.
func settle(ctx context.Context, svc *services) error {
	svc.settlePending.Store(true)

	for first := true; ; first = false {
		if !svc.settling.CompareAndSwap(false, true) {
			if first {
				return errSettleBusy
			}

			// Another settle took over the pending pass.
			return nil
		}

		err := drainSettle(ctx, svc)

		svc.settling.Store(false)

		if err != nil {
			return err
		}

		if !svc.settlePending.Load() {
			return nil
		}
	}
}

// drainSettle runs settle passes until no trigger is pending. Attempts
// rewrite the flag file, so a pass usually queues one more that finds
// nothing to do.
func drainSettle(ctx context.Context, svc *services) error {
	for svc.settlePending.Swap(false) {
		if err := settleOnce(ctx, svc); err != nil {
			return err
		}
	}

	return nil
}

// settleOnce does not bounce while requirements are unmet; the bounce stays
// owed until the next trigger.
func settleOnce(ctx context.Context, svc *services) error {
	if svc.cfg.AutoStart {
		if err := autoStart(ctx, svc); err != nil {
			return err
		}
	}

	state, err := svc.ctrl.State(ctx)
	if err != nil {
		return err
	}

	if state == lifecycle.RequirementsFailed {
		return nil
	}

	return svc.bouncer.RetryLoop(ctx)
}

func autoStart(ctx context.Context, svc *services) error {
	state, err := svc.ctrl.State(ctx)
	if err != nil {
		return err
	}

	// Permissions may have been granted since the last check.
	if state == lifecycle.RequirementsFailed {
		if err := svc.ctrl.Reset(ctx); err != nil {
			return err
		}
	}

	err = svc.ctrl.AutoStart(ctx)
	if errors.Is(err, controller.ErrRequirementsNotMet) {
		logger.Get(ctx).Warn("waiting for permissions; run 'remapctl permissions grant' once they are given")

		return nil
	}

	return err
}

func logTransitions(ctx context.Context, ctrl *controller.Controller) func() {
	records, unsubscribe, err := ctrl.Subscribe(ctx, transitionBuffer)
	if err != nil {
		logger.Get(ctx).Warn("cannot follow transitions", "error", err)

		return func() {}
	}

	go func() {
		for rec := range records {
			logTransition(ctx, rec)
		}
	}()

	return unsubscribe
}

func logTransition(ctx context.Context, rec lifecycle.Record) {
	log := logger.Get(ctx)

	if rec.To.IsError() {
		log.Warn("service entered an error state", "from", rec.From, "to", rec.To, "event", rec.Event)

		return
	}

	log.Debug("service transition", "from", rec.From, "to", rec.To, "event", rec.Event)
}
