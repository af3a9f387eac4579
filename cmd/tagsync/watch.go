package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	tagsync "github.com/tagbase-io/tagsync-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("prefix", "", "only watch tags under this prefix")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream change notifications for the bucket namespace",
	Long: `Watch runs the full sync engine: changes made by any client appear as
they happen, and writes issued through other terminals replay here. Press
Ctrl-C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newClient()
		if err != nil {
			return err
		}
		if prefix, _ := cmd.Flags().GetString("prefix"); prefix != "" {
			client = rebuildWithPrefix(cfg, prefix)
		}

		engineOpts := []tagsync.EngineOption{}
		if cfg.Default.PersistOffline {
			journal, err := journalPath(cfg)
			if err != nil {
				return err
			}
			engineOpts = append(engineOpts, tagsync.WithOfflinePersistence(journal))
		}

		engine := tagsync.NewEngine(client, printSink{}, engineOpts...)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		defer engine.Close()

		fmt.Fprintln(os.Stderr, "watching; press Ctrl-C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func rebuildWithPrefix(cfg *Config, prefix string) *tagsync.Client {
	opts := []tagsync.ClientOption{tagsync.WithWatchPrefix(prefix)}
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
	return tagsync.NewClient(cfg.Default.DeveloperToken, opts...)
}

// printSink writes every engine event to stdout as a JSON line.
type printSink struct{}

func (printSink) emit(event string, fields map[string]any) {
	fields["event"] = event
	line, _ := json.Marshal(fields)
	fmt.Println(string(line))
}

func (s printSink) DataChanged(tag string, value json.RawMessage) {
	s.emit("dataChanged", map[string]any{"tag": tag, "value": value})
}

func (s printSink) GotValue(tag string, value json.RawMessage) {
	s.emit("gotValue", map[string]any{"tag": tag, "value": value})
}

func (s printSink) FirstRemoved(value json.RawMessage) {
	s.emit("firstRemoved", map[string]any{"value": value})
}

func (s printSink) TagList(tags []string) {
	s.emit("tagList", map[string]any{"tags": tags})
}

func (s printSink) Error(err *tagsync.StoreError) {
	s.emit("error", map[string]any{"op": err.Op, "code": err.Code, "message": err.Message})
}
