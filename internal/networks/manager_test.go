package networks

import (
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

func TestEnsureFromConfigKeepsUserEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.json")
	m := NewManager(path)
	require.NoError(t, m.Load())

	require.NoError(t, m.EnsureFromConfig([]Endpoint{
		{Name: "Local", URL: "ws://127.0.0.1:9944"},
		{Name: "bad", URL: "ftp://x"},
		{Name: "", URL: "ws://nameless"},
	}))
	assert.Equal(t, []Endpoint{{Name: "local", URL: "ws://127.0.0.1:9944"}}, m.List())

	_, err := m.Add(Endpoint{Name: "mine", URL: "wss://mine.example"})
	require.NoError(t, err)

	// a restart with new defaults keeps the user's endpoint and skips
	// defaults that clash by url
	reopened := NewManager(path)
	require.NoError(t, reopened.Load())
	require.NoError(t, reopened.EnsureFromConfig([]Endpoint{
		{Name: "local", URL: "ws://other"},
		{Name: "dup", URL: "WSS://mine.example"},
		{Name: "testnet", URL: "wss://testnet.example"},
	}))

	assert.Equal(t, []Endpoint{
		{Name: "local", URL: "ws://127.0.0.1:9944"},
		{Name: "mine", URL: "wss://mine.example", Custom: true},
		{Name: "testnet", URL: "wss://testnet.example"},
	}, reopened.List())
}

func TestAddRemove(t *testing.T) {
	m := NewManager("")

	_, err := m.Add(Endpoint{Name: " ", URL: "ws://a"})
	assert.True(t, errors.Is(err, shared.ErrValidationFailed))
	_, err = m.Add(Endpoint{Name: "a", URL: "mailto:a"})
	assert.True(t, errors.Is(err, shared.ErrValidationFailed))

	added, err := m.Add(Endpoint{Name: "A", URL: "ws://a"})
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Name: "a", URL: "ws://a", Custom: true}, added)

	_, err = m.Add(Endpoint{Name: "a", URL: "ws://b"})
	assert.True(t, errors.Is(err, shared.ErrValidationFailed))
	_, err = m.Add(Endpoint{Name: "b", URL: "ws://a"})
	assert.True(t, errors.Is(err, shared.ErrValidationFailed))

	removed, err := m.Remove("A")
	require.NoError(t, err)
	assert.Equal(t, added, removed)
	assert.Empty(t, m.List())

	_, err = m.Remove("a")
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}
