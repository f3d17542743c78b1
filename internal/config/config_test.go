package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[sync_rules]
doctypes = ["Customer", "Item", "Sales Order"]
exclude_fields = ["internal_notes"]
conflict_resolution = "cloud_wins"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Customer", "Item", "Sales Order"}, cfg.SyncRules.Doctypes)
	assert.Equal(t, []string{"internal_notes"}, cfg.SyncRules.ExcludeFields)
	assert.Equal(t, "cloud_wins", cfg.SyncRules.ConflictResolution)
}

func TestLoadDefaultsPolicy(t *testing.T) {
	path := writeConfig(t, `
[sync_rules]
doctypes = ["Customer"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "latest_timestamp", cfg.SyncRules.ConflictResolution)
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	path := writeConfig(t, `
[sync_rules]
conflict_resolution = "newest_wins"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict_resolution")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[sync_rules]
doctypes = ["Customer"]
conflict_policy = "manual"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.SyncRules.Doctypes)
	assert.Equal(t, "latest_timestamp", cfg.SyncRules.ConflictResolution)
}

func TestReadEnvDefaults(t *testing.T) {
	// Empty values are treated as unset.
	for _, v := range []string{
		EnvWebhookHost, EnvWebhookPort, EnvDatabaseURL,
		EnvCloudURL, EnvLocalURL,
	} {
		t.Setenv(v, "")
	}

	env, err := ReadEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", env.WebhookHost)
	assert.Equal(t, 5000, env.WebhookPort)
	assert.Equal(t, "sync_state.db", env.DatabasePath)
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvWebhookHost, "127.0.0.1")
	t.Setenv(EnvWebhookPort, "8443")
	t.Setenv(EnvDatabaseURL, "sqlite:///var/lib/erpsync/state.db")
	t.Setenv(EnvCloudURL, "https://cloud.example.com/")

	env, err := ReadEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", env.WebhookHost)
	assert.Equal(t, 8443, env.WebhookPort)
	assert.Equal(t, "var/lib/erpsync/state.db", env.DatabasePath)
	assert.Equal(t, "https://cloud.example.com", env.CloudURL) // trailing slash stripped
}

func TestReadEnvRejectsBadPort(t *testing.T) {
	t.Setenv(EnvWebhookPort, "not-a-port")

	_, err := ReadEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvWebhookPort)
}

func TestValidateCredentialsNamesMissing(t *testing.T) {
	env := &Env{
		CloudURL:    "https://cloud.example.com",
		CloudAPIKey: "key",
	}

	err := env.ValidateCredentials()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvCloudAPISecret)
	assert.Contains(t, err.Error(), EnvLocalURL)
	assert.NotContains(t, err.Error(), EnvCloudAPIKey)

	env = &Env{
		CloudURL: "a", CloudAPIKey: "b", CloudAPISecret: "c",
		LocalURL: "d", LocalAPIKey: "e", LocalAPISecret: "f",
	}
	assert.NoError(t, env.ValidateCredentials())
}

func TestDatabasePathStripping(t *testing.T) {
	assert.Equal(t, "sync_state.db", databasePath("sqlite:///sync_state.db"))
	assert.Equal(t, "sync_state.db", databasePath("sqlite://sync_state.db"))
	assert.Equal(t, "/abs/path.db", databasePath("/abs/path.db"))
}
