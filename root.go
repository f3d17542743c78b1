// Command erpsync replicates documents bidirectionally between two
// Frappe/ERPNext instances: a real-time webhook pipeline plus a batch
// reconciliation sweep, with a durable SQLite state store between them.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/turzo891/erpsync/internal/config"
	"github.com/turzo891/erpsync/internal/frappe"
	"github.com/turzo891/erpsync/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// loadedCfg and loadedEnv hold the effective configuration loaded by
// PersistentPreRunE, available to all subcommands.
var (
	loadedCfg *config.Config
	loadedEnv *config.Env
)

// httpClientTimeout bounds every Frappe API request.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "erpsync",
		Short:   "Bidirectional Frappe/ERPNext replication",
		Long:    "Replicates documents between a cloud and a local Frappe/ERPNext instance, in real time via webhooks and on demand via reconciliation sweeps.",
		Version: version,
		// Silence Cobra's default error/usage printing; errors route through
		// exitOnError.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTestCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())

	return cmd
}

// loadConfig reads the TOML sync rules and the environment, storing both for
// subcommands.
func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultPath
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	env, err := config.ReadEnv()
	if err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	loadedCfg = cfg
	loadedEnv = env

	return nil
}

// buildLogger creates an slog.Logger honoring --verbose and --quiet.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newClients builds the API clients for both instances after checking the
// credentials are complete.
func newClients(logger *slog.Logger) (cloud, local *frappe.Client, err error) {
	if err := loadedEnv.ValidateCredentials(); err != nil {
		return nil, nil, err
	}

	httpClient := defaultHTTPClient()

	cloud = frappe.NewClient(loadedEnv.CloudURL, loadedEnv.CloudAPIKey,
		loadedEnv.CloudAPISecret, "cloud", httpClient, logger)
	local = frappe.NewClient(loadedEnv.LocalURL, loadedEnv.LocalAPIKey,
		loadedEnv.LocalAPISecret, "local", httpClient, logger)

	return cloud, local, nil
}

// openStore opens the sync state database at the configured path.
func openStore(logger *slog.Logger) (*sync.SQLiteStore, error) {
	store, err := sync.NewStore(loadedEnv.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return store, nil
}

// newEngine assembles the sync engine from the loaded config.
func newEngine(cloud, local *frappe.Client, store sync.Store, logger *slog.Logger) *sync.Engine {
	return sync.NewEngine(&sync.EngineConfig{
		Cloud:          cloud,
		Local:          local,
		Store:          store,
		Doctypes:       loadedCfg.SyncRules.Doctypes,
		ExcludeFields:  loadedCfg.SyncRules.ExcludeFields,
		ConflictPolicy: sync.ConflictPolicy(loadedCfg.SyncRules.ConflictResolution),
		Logger:         logger,
	})
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
