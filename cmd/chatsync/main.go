package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Offline-first chat sync client",
	Long:         "Keep a local cache of your conversations in sync with the chat backend.\nManage configuration, inspect the cache and run the realtime sync.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
