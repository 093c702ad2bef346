// Package cmd provides the CLI commands for Gatewarden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Gatewarden - MCP Security & Protocol Compliance Gateway",
	Long: `Gatewarden is a security gateway for Model Context Protocol (MCP) servers.

It validates every JSON-RPC message against protocol rules, enforces the
initialization lifecycle, applies transport security policy, validates
OAuth 2.1 bearer tokens with confused-deputy defenses, and gates tool
calls behind user consent with a full audit trail.

Quick start:
  1. Create a config file: gatewarden.yaml
  2. Run: gatewarden start

Configuration:
  Config is loaded from gatewarden.yaml in the current directory,
  $HOME/.gatewarden/, or /etc/gatewarden/.

  Environment variables can override config values with the GATEWARDEN_ prefix.
  Example: GATEWARDEN_SERVER_ADDR=127.0.0.1:9090

Commands:
  start       Start the gateway server
  hash-key    Generate an argon2id hash for an admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatewarden.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
