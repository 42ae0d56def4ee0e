package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "prx",
	Short: "prx reverse HTTP proxy",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true

	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
	rootCmd.PersistentFlags().StringVar(
		&cfgPath,
		"config",
		"",
		"Path to configuration file (env PRX_CONFIG)",
	)
}

func resolveConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if env := os.Getenv("PRX_CONFIG"); env != "" {
		return env
	}
	return "./Prx.toml"
}
