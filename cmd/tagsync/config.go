package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tagsync configuration",
	Long:  "View or modify the tagsync CLI configuration stored in ~/.tagsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'tagsync init <developer-token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: tagsync config set default.project_bucket my-project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "default.backend_url":
		cfg.Default.BackendURL = value
	case "default.project_bucket":
		cfg.Default.ProjectBucket = value
	case "default.developer_bucket":
		cfg.Default.DeveloperBucket = value
	case "default.developer_token":
		cfg.Default.DeveloperToken = value
	case "default.api_key_override":
		cfg.Default.APIKeyOverride = value
	case "default.persist_offline":
		cfg.Default.PersistOffline = value == "true"
	case "default.offline_journal":
		cfg.Default.OfflineJournal = value
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}
	return nil
}
