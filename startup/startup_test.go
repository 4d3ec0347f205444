package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/amp-labs/keyremap-controller/envutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadEnvFile(t *testing.T) {
	t.Parallel()

	dotenv := writeFile(t, "local.env", "# comment\nREMAPCTL_A=one\nexport REMAPCTL_B=\"two words\"\n")
	env, err := LoadEnvFile(dotenv)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"REMAPCTL_A": "one", "REMAPCTL_B": "two words"}, env)

	yml := writeFile(t, "local.yaml", "env:\n  REMAPCTL_C: three\n")
	env, err = LoadEnvFile(yml)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"REMAPCTL_C": "three"}, env)

	_, err = LoadEnvFile(writeFile(t, "local.ini", "x=1"))
	require.ErrorIs(t, err, ErrUnknownFileType)
}

//nolint:paralleltest
func TestConfigureEnvironmentRespectsExisting(t *testing.T) {
	first := writeFile(t, "first.env", "STARTUP_TEST_KEEP=file\nSTARTUP_TEST_NEW=first\n")
	second := writeFile(t, "second.env", "STARTUP_TEST_NEW=second\n")

	t.Setenv("STARTUP_TEST_KEEP", "process")
	t.Setenv("STARTUP_TEST_NEW", "")
	require.NoError(t, os.Unsetenv("STARTUP_TEST_NEW"))

	ctx := envutil.WithEnvOverride(t.Context(), "ENV_FILE", first+" ; "+second)

	require.NoError(t, ConfigureEnvironment(ctx))
	assert.Equal(t, "process", os.Getenv("STARTUP_TEST_KEEP"))
	assert.Equal(t, "second", os.Getenv("STARTUP_TEST_NEW"))

	require.NoError(t, ConfigureEnvironmentFromFiles(t.Context(), []string{first}, WithAllowOverride(true)))
	assert.Equal(t, "file", os.Getenv("STARTUP_TEST_KEEP"))
}

func TestConfigureEnvironmentWithoutFiles(t *testing.T) {
	t.Parallel()

	ctx := envutil.WithEnvOverride(t.Context(), "ENV_FILE", " ; ")
	assert.NoError(t, ConfigureEnvironment(ctx))
}

func TestConfigureEnvironmentMissingFile(t *testing.T) {
	t.Parallel()

	err := ConfigureEnvironmentFromFiles(t.Context(), []string{filepath.Join(t.TempDir(), "nope.env")})
	assert.Error(t, err)
}
