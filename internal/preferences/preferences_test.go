package preferences

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/security"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	enc, err := security.NewEncryptor(dir)
	require.NoError(t, err)
	store, err := Load(dir, enc)
	require.NoError(t, err)
	return store, dir
}

func TestLoadCreatesEmptyStoreWhenFileAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	provider, model := store.LLMSelection()
	assert.Empty(t, provider)
	assert.Empty(t, model)
}

func TestSetAndGetLLMSelectionPersists(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.SetLLMSelection("anthropic", "claude-sonnet-4"))

	enc, err := security.NewEncryptor(dir)
	require.NoError(t, err)
	reloaded, err := Load(dir, enc)
	require.NoError(t, err)

	provider, model := reloaded.LLMSelection()
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet-4", model)
}

func TestAPIKeyRoundTripsEncryptedOnDisk(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.SetAPIKey("openai", "sk-test-key"))

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-test-key")

	key, ok, err := store.APIKey("openai")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-test-key", key)
}

func TestAPIKeyMissingReturnsFalse(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok, err := store.APIKey("gemini")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAPIKeyEmptyStringDeletesEntry(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.SetAPIKey("openai", "sk-test-key"))
	require.NoError(t, store.SetAPIKey("openai", ""))

	_, ok, err := store.APIKey("openai")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProfileRoundTripsEncryptedOnDisk(t *testing.T) {
	store, dir := newTestStore(t)
	profile := json.RawMessage(`{"name":"Jordan","business":"bakery"}`)
	require.NoError(t, store.SetProfile(profile))

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Jordan")

	got, err := store.Profile()
	require.NoError(t, err)
	assert.JSONEq(t, string(profile), string(got))
}

func TestMCPServerEnvRoundTripsEncryptedOnDisk(t *testing.T) {
	store, dir := newTestStore(t)
	server := models.MCPServer{
		ID:      "srv1",
		Name:    "filesystem",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem"},
		Env:     map[string]string{"API_TOKEN": "super-secret-token"},
	}
	require.NoError(t, store.UpsertMCPServer(server))

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-token")

	servers, err := store.MCPServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "super-secret-token", servers[0].Env["API_TOKEN"])
}

func TestUpsertMCPServerReplacesExisting(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.UpsertMCPServer(models.MCPServer{ID: "srv1", Name: "old"}))
	require.NoError(t, store.UpsertMCPServer(models.MCPServer{ID: "srv1", Name: "new"}))

	servers, err := store.MCPServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "new", servers[0].Name)
}

func TestRemoveMCPServerDeletesByID(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.UpsertMCPServer(models.MCPServer{ID: "srv1", Name: "a"}))
	require.NoError(t, store.UpsertMCPServer(models.MCPServer{ID: "srv2", Name: "b"}))
	require.NoError(t, store.RemoveMCPServer("srv1"))

	servers, err := store.MCPServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "srv2", servers[0].ID)
}

func TestPreferencesFileHasRestrictivePermissions(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.SetLLMSelection("openai", "gpt-5"))

	info, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
