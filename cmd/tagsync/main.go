package main

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	tagsync "github.com/tagbase-io/tagsync-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tagsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
}

// ConfigDefault holds connection and bucket settings.
type ConfigDefault struct {
	BackendURL      string `toml:"backend_url"`
	ProjectBucket   string `toml:"project_bucket"`
	DeveloperBucket string `toml:"developer_bucket"`
	DeveloperToken  string `toml:"developer_token"`
	APIKeyOverride  string `toml:"api_key_override"`
	PersistOffline  bool   `toml:"persist_offline"`
	OfflineJournal  string `toml:"offline_journal"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tagsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tagsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config file with restrictive permissions (it holds
// the developer token).
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// newClient builds a tagsync client from the stored config.
func newClient() (*tagsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Default.DeveloperToken == "" {
		return nil, nil, fmt.Errorf("no developer token configured; run 'tagsync init <developer-token>' first")
	}

	opts := []tagsync.ClientOption{}
	if cfg.Default.BackendURL != "" {
		opts = append(opts, tagsync.WithBaseURL(cfg.Default.BackendURL))
	}
	if cfg.Default.ProjectBucket != "" {
		opts = append(opts, tagsync.WithProjectBucket(cfg.Default.ProjectBucket))
	}
	if cfg.Default.DeveloperBucket != "" {
		opts = append(opts, tagsync.WithDeveloperBucket(cfg.Default.DeveloperBucket))
	}
	if cfg.Default.APIKeyOverride != "" {
		opts = append(opts, tagsync.WithAPIKeyOverride(cfg.Default.APIKeyOverride))
	}
	return tagsync.NewClient(cfg.Default.DeveloperToken, opts...), cfg, nil
}

// journalPath resolves the offline journal location for persistent mode.
func journalPath(cfg *Config) (string, error) {
	if cfg.Default.OfflineJournal != "" {
		return cfg.Default.OfflineJournal, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "offline.json"), nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "tagsync",
	Short: "Command-line client for the tagbase cloud value store",
	Long: `tagsync stores and fetches JSON values under string tags, performs
conflict-safe list mutations, and watches a bucket namespace for changes.

Run 'tagsync init <developer-token>' once to set up credentials.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
