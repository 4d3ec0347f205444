// Package startup loads environment files before the rest of the program
// reads its configuration.
//
// ENV_FILE holds a semicolon separated list of files. Files ending in .env are
// read as dotenv files; .yaml and .yml files must carry a top level "env" map.
package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/amp-labs/keyremap-controller/envutil"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFileType is returned for an environment file with an unsupported extension.
var ErrUnknownFileType = errors.New("unknown environment file type")

// Option is a functional option for configuring environment loading behavior.
type Option func(*options)

type options struct {
	// allowOverride lets file values replace variables that are already set.
	allowOverride bool
}

// WithAllowOverride configures whether loaded environment variables can override
// existing environment variables in the process.
func WithAllowOverride(allowOverride bool) Option {
	return func(o *options) {
		o.allowOverride = allowOverride
	}
}

// ConfigureEnvironment loads the files named in ENV_FILE into the process
// environment. A missing ENV_FILE is not an error.
func ConfigureEnvironment(ctx context.Context, opts ...Option) error {
	files := envutil.Map(envutil.String(ctx, "ENV_FILE"), splitFileList).ValueOrElse(nil)

	return ConfigureEnvironmentFromFiles(ctx, files, opts...)
}

// ConfigureEnvironmentFromFiles loads the given files into the process
// environment. Later files win over earlier ones.
func ConfigureEnvironmentFromFiles(ctx context.Context, files []string, opts ...Option) error {
	cfg := &options{}

	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	merged := make(map[string]string)

	for _, file := range files {
		env, err := LoadEnvFile(file)
		if err != nil {
			return fmt.Errorf("loading environment variables from file %q: %w", file, err)
		}

		for k, v := range env {
			merged[k] = v
		}

		logger.Get(ctx).Debug("loaded environment file", "file", file, "count", len(env))
	}

	for k, v := range merged {
		oldValue, exists := os.LookupEnv(k)
		if exists && (!cfg.allowOverride || oldValue == v) {
			continue
		}

		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setting environment variable %q: %w", k, err)
		}
	}

	return nil
}

// LoadEnvFile reads one environment file, choosing the parser by extension.
func LoadEnvFile(path string) (map[string]string, error) {
	name := strings.ToLower(path)

	switch {
	case strings.HasSuffix(name, ".env"):
		return godotenv.Read(path)
	case strings.HasSuffix(name, ".yml"), strings.HasSuffix(name, ".yaml"):
		return loadYAMLFile(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFileType, path)
	}
}

type yamlEnvFile struct {
	Env map[string]string `yaml:"env"`
}

func loadYAMLFile(path string) (map[string]string, error) {
	bts, err := os.ReadFile(path) // #nosec G304 -- path is the intended file to load
	if err != nil {
		return nil, err
	}

	var env yamlEnvFile

	if err := yaml.Unmarshal(bts, &env); err != nil {
		return nil, err
	}

	return env.Env, nil
}

func splitFileList(in string) ([]string, error) {
	var out []string

	for _, s := range strings.Split(in, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}

	return out, nil
}
