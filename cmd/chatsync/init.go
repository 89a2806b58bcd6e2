package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/auth"
	"github.com/LuminPulse-AI/chatsync/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your access token in the local configuration file.\nThe user id is taken from the token subject unless already set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		path, err := config.Path()
		if err != nil {
			return err
		}
		cfg, err := config.Read(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if sub, ok := auth.TokenSubject(token); ok && cfg.Auth.UserID == "" {
			cfg.Auth.UserID = sub
		}

		if err := config.Write(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Token saved to %s\n", path)
		if exp, ok := auth.TokenExpiry(token); ok {
			fmt.Printf("Token expires %s\n", exp.Format(time.RFC3339))
		}
		return nil
	},
}
