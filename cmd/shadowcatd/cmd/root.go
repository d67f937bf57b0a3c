// Package cmd provides the CLI commands for shadowcat.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shadowcat-mcp/shadowcat/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shadowcatd",
	Short: "shadowcat - an intercepting reverse proxy for the Model Context Protocol",
	Long: `shadowcat sits between MCP clients and one or more upstream MCP servers,
negotiating protocol versions, running a configurable interceptor chain
over every message, and load-balancing across upstreams.

Quick start:
  1. Create a config file: shadowcat.yaml
  2. Run: shadowcatd start

Configuration:
  Config is loaded from shadowcat.yaml in the current directory,
  $HOME/.shadowcat/, or /etc/shadowcat/.

  Environment variables can override scalar config values with the
  SHADOWCAT_ prefix. Example: SHADOWCAT_SERVER_HTTP_ADDR=:9090`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shadowcat.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
