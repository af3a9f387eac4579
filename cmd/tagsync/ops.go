package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(popCmd)
	rootCmd.AddCommand(tagsCmd)
	getCmd.Flags().String("default", "null", "JSON fallback printed when the tag is absent")
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// parseValueArg accepts raw JSON, falling back to treating the argument as
// a plain string so 'tagsync store greeting hello' does what it looks like.
func parseValueArg(arg string) json.RawMessage {
	trimmed := strings.TrimSpace(arg)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}

var getCmd = &cobra.Command{
	Use:   "get <tag>",
	Short: "Fetch the value stored at a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := opContext()
		defer cancel()

		value, _, ok, err := client.Read(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fallback, _ := cmd.Flags().GetString("default")
			fmt.Println(fallback)
			return nil
		}
		fmt.Println(string(value))
		return nil
	},
}

var storeCmd = &cobra.Command{
	Use:   "store <tag> <value>",
	Short: "Store a JSON value under a tag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := opContext()
		defer cancel()

		version, err := client.Write(ctx, args[0], parseValueArg(args[1]), "", "")
		if err != nil {
			return err
		}
		fmt.Printf("stored %s (version %s)\n", args[0], version)
		return nil
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <tag> <value>",
	Short: "Append a value to the list stored at a tag",
	Long: `Append runs as a backend transaction: concurrent appends from other
clients are never lost, the backend serializes them.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := opContext()
		defer cancel()

		element := parseValueArg(args[1])
		result, err := client.Transact(ctx, args[0], "", func(current json.RawMessage) (json.RawMessage, error) {
			list, err := decodeListArg(current)
			if err != nil {
				return nil, err
			}
			return json.Marshal(append(list, element))
		})
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

var popCmd = &cobra.Command{
	Use:   "pop <tag>",
	Short: "Remove and print the first element of the list stored at a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := opContext()
		defer cancel()

		var popped json.RawMessage
		_, err = client.Transact(ctx, args[0], "", func(current json.RawMessage) (json.RawMessage, error) {
			list, err := decodeListArg(current)
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return nil, fmt.Errorf("tag %q holds no elements to remove", args[0])
			}
			popped = list[0]
			return json.Marshal(list[1:])
		})
		if err != nil {
			return err
		}
		fmt.Println(string(popped))
		return nil
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List the tags defined in the bucket namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := opContext()
		defer cancel()

		tags, err := client.TagList(ctx)
		if err != nil {
			return err
		}
		for _, tag := range tags {
			fmt.Println(tag)
		}
		return nil
	},
}

func decodeListArg(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("stored value is not a list")
	}
	return list, nil
}
