package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variable names.
const (
	EnvCloudURL       = "CLOUD_ERP_URL"
	EnvCloudAPIKey    = "CLOUD_API_KEY"
	EnvCloudAPISecret = "CLOUD_API_SECRET"

	EnvLocalURL       = "LOCAL_ERP_URL"
	EnvLocalAPIKey    = "LOCAL_API_KEY"
	EnvLocalAPISecret = "LOCAL_API_SECRET"

	EnvWebhookSecret = "WEBHOOK_SECRET"
	EnvWebhookHost   = "WEBHOOK_HOST"
	EnvWebhookPort   = "WEBHOOK_PORT"

	EnvDatabaseURL = "DATABASE_URL"
)

// Defaults for optional environment values.
const (
	defaultWebhookHost = "0.0.0.0"
	defaultWebhookPort = 5000
	defaultDatabaseURL = "sqlite:///sync_state.db"
)

// Env holds all environment-derived settings. Credentials live here rather
// than in the config file so they stay out of version control.
type Env struct {
	CloudURL       string
	CloudAPIKey    string
	CloudAPISecret string

	LocalURL       string
	LocalAPIKey    string
	LocalAPISecret string

	WebhookSecret string // empty disables signature verification
	WebhookHost   string
	WebhookPort   int

	DatabasePath string // filesystem path, sqlite:// scheme already stripped
}

// ReadEnv reads all environment variables and applies defaults. Credential
// completeness is not checked here; commands that need the API clients call
// ValidateCredentials.
func ReadEnv() (*Env, error) {
	env := &Env{
		CloudURL:       strings.TrimRight(os.Getenv(EnvCloudURL), "/"),
		CloudAPIKey:    os.Getenv(EnvCloudAPIKey),
		CloudAPISecret: os.Getenv(EnvCloudAPISecret),

		LocalURL:       strings.TrimRight(os.Getenv(EnvLocalURL), "/"),
		LocalAPIKey:    os.Getenv(EnvLocalAPIKey),
		LocalAPISecret: os.Getenv(EnvLocalAPISecret),

		WebhookSecret: os.Getenv(EnvWebhookSecret),
		WebhookHost:   os.Getenv(EnvWebhookHost),
		WebhookPort:   defaultWebhookPort,
	}

	if env.WebhookHost == "" {
		env.WebhookHost = defaultWebhookHost
	}

	if portStr := os.Getenv(EnvWebhookPort); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s %q: must be a port number", EnvWebhookPort, portStr)
		}

		env.WebhookPort = port
	}

	dbURL := os.Getenv(EnvDatabaseURL)
	if dbURL == "" {
		dbURL = defaultDatabaseURL
	}

	env.DatabasePath = databasePath(dbURL)

	return env, nil
}

// ValidateCredentials checks that both instances are fully configured,
// naming every missing variable in the error.
func (e *Env) ValidateCredentials() error {
	var missing []string

	for _, v := range []struct {
		name  string
		value string
	}{
		{EnvCloudURL, e.CloudURL},
		{EnvCloudAPIKey, e.CloudAPIKey},
		{EnvCloudAPISecret, e.CloudAPISecret},
		{EnvLocalURL, e.LocalURL},
		{EnvLocalAPIKey, e.LocalAPIKey},
		{EnvLocalAPISecret, e.LocalAPISecret},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}

	return nil
}

// databasePath strips the sqlite URL scheme down to a filesystem path.
// "sqlite:///sync_state.db" and "sqlite://sync_state.db" both become
// "sync_state.db"; anything without the scheme passes through unchanged.
func databasePath(dbURL string) string {
	for _, prefix := range []string{"sqlite:///", "sqlite://"} {
		if strings.HasPrefix(dbURL, prefix) {
			return strings.TrimPrefix(dbURL, prefix)
		}
	}

	return dbURL
}
