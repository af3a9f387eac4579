package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tagsync "github.com/tagbase-io/tagsync-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("backend", "", "backend URL (defaults to "+tagsync.DefaultBaseURL+")")
	initCmd.Flags().String("project", "", "project bucket")
	initCmd.Flags().String("developer", "", "developer bucket")
}

var initCmd = &cobra.Command{
	Use:   "init <developer-token>",
	Short: "Store credentials and verify them against the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		cfg.Default.DeveloperToken = args[0]
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			cfg.Default.BackendURL = v
		}
		if v, _ := cmd.Flags().GetString("project"); v != "" {
			cfg.Default.ProjectBucket = v
		}
		if v, _ := cmd.Flags().GetString("developer"); v != "" {
			cfg.Default.DeveloperBucket = v
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		cred, err := client.Authenticate(ctx, cfg.Default.DeveloperToken)
		if err != nil {
			return fmt.Errorf("credential check failed: %w", err)
		}

		fmt.Printf("Configuration saved. Credential issued for %s, valid until %s.\n",
			cred.IssuedFor, cred.ValidUntil.Format(time.RFC3339))
		return nil
	},
}
