package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/auth"
	"github.com/LuminPulse-AI/chatsync/backend"
	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/cache/memstore"
	"github.com/LuminPulse-AI/chatsync/cache/sqlstore"
)

var statusLive bool

func init() {
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "also fetch the account from the backend")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, token and cache status",
	Long:  "Display the current configuration, check if the token is expired and summarize the local cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, backend.DefaultBaseURL))
		if cfg.Default.RealtimeURL != "" {
			fmt.Printf("  Realtime:    %s\n", cfg.Default.RealtimeURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(userID(cfg), "(unknown)"))
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (no expiry claim)"
			if exp, ok := auth.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			}
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		}
		fmt.Printf("  Status:      %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Backend:     %s\n", cfg.Cache.Backend)
		fmt.Printf("  Enabled:     %t\n", cfg.Cache.Enabled)
		store, err := openStore(ctx, cfg, newLogger(cfg))
		if err != nil {
			fmt.Printf("  Error opening cache: %v\n", err)
		} else {
			defer store.Close()
			printCacheStatus(ctx, store)
		}

		if statusLive && cfg.Auth.Token != "" {
			fmt.Println()
			fmt.Println("Live status:")
			client := backend.NewClient(
				backend.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, backend.DefaultBaseURL)),
				backend.WithTokenSource(func() string { return cfg.Auth.Token }),
			)
			me, err := client.Me(ctx)
			if err != nil {
				fmt.Printf("  Error fetching account info: %v\n", err)
				return nil
			}
			fmt.Printf("  Username:     %s\n", me.Username)
			fmt.Printf("  Display Name: %s\n", valueOrDefault(me.DisplayName, "(not set)"))
		}
		return nil
	},
}

func printCacheStatus(ctx context.Context, store cache.Store) {
	if v, err := store.SchemaVersion(ctx); err == nil {
		fmt.Printf("  Schema:      v%d\n", v)
	}
	if s, ok := store.(*sqlstore.Store); ok {
		if sqliteVersion, vecVersion, err := s.EngineInfo(ctx); err == nil {
			fmt.Printf("  Engine:      sqlite %s, sqlite-vec %s\n", sqliteVersion, vecVersion)
		}
	}
	for _, t := range cache.Tables {
		n, err := tableCount(ctx, store, t)
		if err != nil {
			fmt.Printf("  %-12s error: %v\n", t+":", err)
			continue
		}
		fmt.Printf("  %-12s %d rows\n", t+":", n)
	}
}

// tableCount counts rows through the backend-native handle.
func tableCount(ctx context.Context, store cache.Store, t cache.Table) (int, error) {
	h, err := store.Table(t)
	if err != nil {
		return 0, err
	}
	if c, ok := cache.NativeAs[*memstore.Collection](h); ok {
		return c.Len(), nil
	}
	if n, ok := cache.NativeAs[*sqlstore.Native](h); ok {
		var count int
		err := n.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+n.Name).Scan(&count)
		return count, err
	}
	return 0, fmt.Errorf("unsupported backend %s", h.Backend())
}
