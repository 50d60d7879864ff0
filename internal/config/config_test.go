package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/positron-sub005/internal/framing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "lines", cfg.Framing)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Equal(t, 200, cfg.DiagnosticsLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Framing, cfg.Framing)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
framing = "content-length"
port_min = 42000
port_max = 43000
read_buffer_size = 8192
diagnostics_limit = 50
debug = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, framing.PolicyContentLength, cfg.Policy())
	assert.Equal(t, 42000, cfg.PortMin)
	assert.Equal(t, 43000, cfg.PortMax)
	assert.Equal(t, 8192, cfg.ReadBufferSize)
	assert.Equal(t, 50, cfg.DiagnosticsLimit)
	assert.True(t, cfg.Debug)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte("framing = [broken"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`framing = "chunked"`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TESTRELAY_FRAMING", "content-length")
	t.Setenv("TESTRELAY_PORT_MIN", "45000")
	t.Setenv("TESTRELAY_PORT_MAX", "46000")
	t.Setenv("TESTRELAY_DEBUG", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, framing.PolicyContentLength, cfg.Policy())
	assert.Equal(t, 45000, cfg.PortMin)
	assert.Equal(t, 46000, cfg.PortMax)
	assert.True(t, cfg.Debug)
}

func TestValidatePortRange(t *testing.T) {
	cfg := Default()
	cfg.PortMin = 5000
	cfg.PortMax = 4000
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "relay.toml")

	cfg := Default()
	cfg.Framing = "content-length"
	cfg.Debug = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Framing, loaded.Framing)
	assert.Equal(t, cfg.Debug, loaded.Debug)
}
