package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "faceindex",
	Short: "Face vector indexing and search service",
	Long: `faceindex stores face embeddings across a metadata store, a vector
index and an object store, and answers similarity searches over them.

Run "faceindex serve" for the HTTP API or "faceindex migrate" to move faces
out of a legacy source.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); FACEINDEX_* env vars override it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
