package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mnemora/mnemora/internal/config"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "mnemora",
	Short:   "Mnemora - adaptive memory service",
	Long:    "Mnemora stores tenant-scoped memories across relational, vector and graph\nbackends and retrieves them through hybrid search weighted by a live\nforgetting curve.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default: MNEMORA_CONFIG_PATH, then config/mnemora.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, decayCmd)
}

// loadConfig resolves the --config flag before falling back to the
// environment lookup chain.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
