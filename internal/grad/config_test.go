package grad_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adjoint-ml/adjoint/internal/grad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adjoint.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := grad.DefaultConfig()
	assert.Equal(t, grad.ReverseModeGradient, cfg.Mode)
	assert.Equal(t, 1, cfg.Width)
	assert.True(t, cfg.AtomicAdd)
	assert.True(t, cfg.FreeMemory)
	assert.True(t, cfg.FastMath)
	assert.False(t, cfg.LooseTypes)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
mode = "forward"
width = 4
atomic_add = false
loose_types = true
`)
	cfg, err := grad.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, grad.ForwardMode, cfg.Mode)
	assert.Equal(t, 4, cfg.Width)
	assert.False(t, cfg.AtomicAdd)
	assert.True(t, cfg.LooseTypes)
	assert.True(t, cfg.FreeMemory, "unset keys keep their defaults")
	assert.True(t, cfg.FastMath)
}

func TestLoadConfig_ModeNames(t *testing.T) {
	for name, want := range map[string]grad.Mode{
		"reverse":          grad.ReverseModeGradient,
		"reverse-combined": grad.ReverseModeCombined,
		"forward":          grad.ForwardMode,
		"forward-split":    grad.ForwardModeSplit,
	} {
		cfg, err := grad.LoadConfig(writeConfig(t, "mode = \""+name+"\"\n"))
		require.NoError(t, err, name)
		assert.Equal(t, want, cfg.Mode, name)
	}

	cfg, err := grad.LoadConfig(writeConfig(t, "width = 2\n"))
	require.NoError(t, err)
	assert.Equal(t, grad.ReverseModeGradient, cfg.Mode, "mode defaults to reverse")
	assert.Equal(t, 2, cfg.Width)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := grad.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = grad.LoadConfig(writeConfig(t, "mode = \"sideways\"\n"))
	assert.ErrorContains(t, err, "unknown mode")

	_, err = grad.LoadConfig(writeConfig(t, "wdith = 2\n"))
	assert.ErrorContains(t, err, "unknown key")

	_, err = grad.LoadConfig(writeConfig(t, "width = 0\n"))
	assert.ErrorContains(t, err, "width")

	_, err = grad.LoadConfig(writeConfig(t, "width = \"four\"\n"))
	assert.Error(t, err)
}
