package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/cache"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheTruncateCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <table> <id>",
	Short: "Print the cached row with the given entity id",
	Long:  "Print the cached row for the signed-in user.\nTables: user, conversation, message.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := cache.ParseTable(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		key := cache.ByID(args[1])
		if owner := userID(cfg); owner != "" {
			key = key.Of(owner)
		}
		row, ok, err := store.Get(cmd.Context(), table, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s %q not cached", table, args[1])
		}
		out, err := json.MarshalIndent(row, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var cacheTruncateCmd = &cobra.Command{
	Use:   "truncate [table...]",
	Short: "Delete every cached row of the given tables (all tables if none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		tables := cache.Tables
		if len(args) > 0 {
			tables = nil
			for _, name := range args {
				t, err := cache.ParseTable(name)
				if err != nil {
					return err
				}
				tables = append(tables, t)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		for _, t := range tables {
			if err := store.Truncate(cmd.Context(), t); err != nil {
				return fmt.Errorf("truncate %s: %w", t, err)
			}
			fmt.Printf("Truncated %s\n", t)
		}
		return nil
	},
}
