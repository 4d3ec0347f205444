// Package config loads the controller settings: a YAML file, then
// REMAPCTL_* environment overrides.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/amp-labs/keyremap-controller/envutil"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath names the settings file when --config is not given.
	EnvConfigPath = "REMAPCTL_CONFIG"

	DefaultConfigPath     = "~/.config/keyremap/remapctl.yaml"
	DefaultLabel          = "com.amp-labs.keyremap"
	DefaultStateDir       = "~/Library/Application Support/keyremap"
	DefaultRemapConfig    = "~/.config/keyremap/remap.json"
	DefaultMetricsAddress = "127.0.0.1:9477"
	DefaultDebounce       = 250 * time.Millisecond
	DefaultHistorySize    = 32
	DefaultBounceInitial  = 2 * time.Second
	DefaultBounceMax      = 2 * time.Minute
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrConfigNotFound is returned when an explicitly named settings file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")
)

// Service describes the remapping program and how launchd runs it.
type Service struct {
	Label      string            `yaml:"label"`
	Program    string            `yaml:"program"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	StdoutPath string            `yaml:"stdoutPath,omitempty"`
	StderrPath string            `yaml:"stderrPath,omitempty"`
	LockFile   string            `yaml:"lockFile,omitempty"`
}

// Bounce bounds the bounce retry loop. A zero MaxElapsed retries until shutdown.
type Bounce struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxElapsed      time.Duration `yaml:"maxElapsed,omitempty"`
}

// Config is the full controller configuration.
type Config struct {
	Service        Service       `yaml:"service"`
	RemapConfig    string        `yaml:"remapConfig"`
	StateDir       string        `yaml:"stateDir"`
	GrantMarker    string        `yaml:"grantMarker,omitempty"`
	MetricsAddress string        `yaml:"metricsAddress"`
	Debounce       time.Duration `yaml:"debounce"`
	AutoStart      bool          `yaml:"autoStart"`
	HistorySize    int           `yaml:"historySize"`
	Bounce         Bounce        `yaml:"bounce"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Service: Service{
			Label: DefaultLabel,
		},
		RemapConfig:    DefaultRemapConfig,
		StateDir:       DefaultStateDir,
		MetricsAddress: DefaultMetricsAddress,
		Debounce:       DefaultDebounce,
		AutoStart:      true,
		HistorySize:    DefaultHistorySize,
		Bounce: Bounce{
			InitialInterval: DefaultBounceInitial,
			MaxInterval:     DefaultBounceMax,
		},
	}
}

// Path resolves the settings file: the explicit path if given, then
// REMAPCTL_CONFIG, then the default location. explicit reports whether the
// file must exist.
func Path(ctx context.Context, flagValue string) (path string, explicit bool, err error) {
	if flagValue != "" {
		path, explicit = flagValue, true
	} else if env, envErr := envutil.String(ctx, EnvConfigPath).Value(); envErr == nil && env != "" {
		path, explicit = env, true
	} else {
		path = DefaultConfigPath
	}

	path, err = envutil.ExpandHome(path)

	return path, explicit, err
}

// Load reads the settings named by flagValue (see Path), applies environment
// overrides and validates the result.
func Load(ctx context.Context, flagValue string) (*Config, error) {
	path, explicit, err := Path(ctx, flagValue)
	if err != nil {
		return nil, err
	}

	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- user supplied settings file
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(ctx); err != nil {
		return nil, err
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := cfg.decode(data); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func override[T any](errs *[]error, rdr envutil.Reader[T], dst *T) {
	if err := rdr.Error(); err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", rdr.Key(), err))

		return
	}

	rdr.DoWithValue(func(v T) {
		*dst = v
	})
}

// ApplyEnv overrides settings from REMAPCTL_* environment variables.
func (c *Config) ApplyEnv(ctx context.Context) error {
	var errs []error

	override(&errs, envutil.String(ctx, "REMAPCTL_LABEL"), &c.Service.Label)
	override(&errs, envutil.String(ctx, "REMAPCTL_PROGRAM"), &c.Service.Program)
	override(&errs, envutil.String(ctx, "REMAPCTL_LOCK_FILE"), &c.Service.LockFile)
	override(&errs, envutil.String(ctx, "REMAPCTL_REMAP_CONFIG"), &c.RemapConfig)
	override(&errs, envutil.String(ctx, "REMAPCTL_STATE_DIR"), &c.StateDir)
	override(&errs, envutil.String(ctx, "REMAPCTL_GRANT_MARKER"), &c.GrantMarker)
	override(&errs, envutil.String(ctx, "REMAPCTL_METRICS_ADDRESS"), &c.MetricsAddress)
	override(&errs, envutil.Duration(ctx, "REMAPCTL_DEBOUNCE"), &c.Debounce)
	override(&errs, envutil.Bool(ctx, "REMAPCTL_AUTO_START"), &c.AutoStart)
	override(&errs, envutil.Int(ctx, "REMAPCTL_HISTORY_SIZE"), &c.HistorySize)
	override(&errs, envutil.Duration(ctx, "REMAPCTL_BOUNCE_INITIAL_INTERVAL"), &c.Bounce.InitialInterval)
	override(&errs, envutil.Duration(ctx, "REMAPCTL_BOUNCE_MAX_INTERVAL"), &c.Bounce.MaxInterval)
	override(&errs, envutil.Duration(ctx, "REMAPCTL_BOUNCE_MAX_ELAPSED"), &c.Bounce.MaxElapsed)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}

func (c *Config) expandPaths() error {
	var errs []error

	for _, p := range []*string{
		&c.Service.Program,
		&c.Service.StdoutPath,
		&c.Service.StderrPath,
		&c.Service.LockFile,
		&c.RemapConfig,
		&c.StateDir,
		&c.GrantMarker,
	} {
		expanded, err := envutil.ExpandHome(*p)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		*p = expanded
	}

	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Service.Label == "" {
		errs = append(errs, errors.New("service.label is required")) //nolint:err113
	}

	if c.Service.Program == "" {
		errs = append(errs, errors.New("service.program is required")) //nolint:err113
	} else if !filepath.IsAbs(c.Service.Program) {
		errs = append(errs, fmt.Errorf("service.program must be an absolute path: %q", c.Service.Program)) //nolint:err113
	}

	if c.RemapConfig == "" {
		errs = append(errs, errors.New("remapConfig is required")) //nolint:err113
	}

	if c.StateDir == "" {
		errs = append(errs, errors.New("stateDir is required")) //nolint:err113
	}

	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative: %s", c.Debounce)) //nolint:err113
	}

	if c.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("historySize must not be negative: %d", c.HistorySize)) //nolint:err113
	}

	if c.Bounce.InitialInterval <= 0 {
		errs = append(errs, errors.New("bounce.initialInterval must be positive")) //nolint:err113
	}

	if c.Bounce.MaxInterval < c.Bounce.InitialInterval {
		errs = append(errs, errors.New("bounce.maxInterval must not be below bounce.initialInterval")) //nolint:err113
	}

	if c.Bounce.MaxElapsed < 0 {
		errs = append(errs, errors.New("bounce.maxElapsed must not be negative")) //nolint:err113
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}
