package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "merklekv-node",
	Short: "MerkleKV node - a replicating mobile-edge key/value store",
	Long: `merklekv-node runs one replica of a distributed key/value store
that synchronizes over MQTT using last-writer-wins merge and a
Merkle-tree anti-entropy reconciler, with a durable offline queue for
commands issued while disconnected.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}
