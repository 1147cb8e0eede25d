package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keystone",
	Short: "Keystone - transactional component database for game servers",
	Long: `Keystone is a database server for online games: component tables
over a sorted-index key-value backend, transactional systems invoked
over RPC, and live subscriptions pushed to connected clients.

Game logic embeds the server as a library; this binary runs the server
with its built-in systems and operates the table schemas.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Keystone version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
}
