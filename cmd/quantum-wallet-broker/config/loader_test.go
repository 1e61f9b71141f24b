package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SNAP_REAL_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("QWB_ENV", "")
	t.Setenv(envConfigPath, "")
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", c.Server.Host)
	assert.Equal(t, "8091", c.Server.Port)
	assert.True(t, c.Server.Pairing)
	assert.Equal(t, "ws://127.0.0.1:9944", c.Chain.DefaultEndpoint)
	assert.Equal(t, []EndpointSettings{
		{Name: "local", URL: "ws://127.0.0.1:9944"},
		{Name: "testnet", URL: "wss://rpc.testnet.quantumauth.io"},
	}, c.Chain.Endpoints)
	assert.Equal(t, 500*time.Millisecond, c.Chain.InitialBackoff)
	assert.Equal(t, uint64(5), c.Chain.MaxRetries)
	assert.Equal(t, uint8(12), c.Assets.Decimals)
	assert.Equal(t, 360, c.Popup.Width)
	assert.Equal(t, 600, c.Popup.Height)
	assert.True(t, c.Authorization.CacheRejections)

	base := filepath.Join(home, ".config", "quantum-wallet-broker")
	assert.Equal(t, filepath.Join(base, "keystore"), c.Keystore.Dir)
	assert.Equal(t, filepath.Join(base, "origins.json"), c.Authorization.OriginsFile)
	assert.Equal(t, filepath.Join(base, "accounts.json"), c.Keystore.AccountsFile)
	assert.Equal(t, filepath.Join(base, "endpoints.json"), c.Chain.EndpointsFile)
}

func TestLoadUserFileAndEnv(t *testing.T) {
	home := isolate(t)

	dir := filepath.Join(home, ".config", "quantum-wallet-broker")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
Chain:
  DefaultEndpoint: wss://node.example
Assets:
  Symbol: QAU
`), 0o600))

	t.Setenv("QWB_SERVER_PORT", "9999")
	t.Setenv("QWB_AUTHORIZATION_CACHEREJECTIONS", "false")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://node.example", c.Chain.DefaultEndpoint)
	assert.Contains(t, c.Chain.Endpoints, EndpointSettings{Name: "default", URL: "wss://node.example"})
	assert.Equal(t, "QAU", c.Assets.Symbol)
	assert.Equal(t, uint8(12), c.Assets.Decimals, "untouched keys keep their defaults")
	assert.Equal(t, "9999", c.Server.Port)
	assert.False(t, c.Authorization.CacheRejections)
}

func TestLoadExplicitPath(t *testing.T) {
	home := isolate(t)

	path := filepath.Join(home, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Chain:\n  DefaultEndpoint: ftp://nope\n"), 0o600))
	t.Setenv(envConfigPath, path)

	_, err := Load()
	require.Error(t, err)

	t.Setenv(envConfigPath, filepath.Join(home, "missing.yaml"))
	_, err = Load()
	require.Error(t, err)
}
