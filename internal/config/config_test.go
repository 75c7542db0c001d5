package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percy-io/percy-core/internal/model"
)

func TestDefaultIsInvalidWithoutToken(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)

	var cve *model.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.NotEmpty(t, cve.Errs)
}

func TestValidateAcceptsDefaultsWithToken(t *testing.T) {
	cfg := Default()
	cfg.Token = "abc123"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptyHostnamePattern(t *testing.T) {
	cfg := Default()
	cfg.Token = "abc123"
	cfg.Discovery.AllowedHostnames = []string{""}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty pattern")
}

func TestValidateRejectsOutOfRangeWidth(t *testing.T) {
	cfg := Default()
	cfg.Token = "abc123"
	cfg.Snapshot.Widths = []int{0, 5000}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoadAppliesFlagsOverEnv(t *testing.T) {
	t.Setenv("PERCY_TOKEN", "env-token")
	cfg, err := Load([]string{"-token", "flag-token", "-port", "9000"})
	require.NoError(t, err)
	assert.Equal(t, "flag-token", cfg.Token)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoadRespectsPercyEnable(t *testing.T) {
	t.Setenv("PERCY_ENABLE", "0")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}
