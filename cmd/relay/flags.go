package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/calehh/council-relay/config"
)

const (
	flagHome = "home"
	homeEnv  = "RELAY_HOME"
)

var rootCmd = &cobra.Command{
	Use:          "council-relay",
	Short:        "Off-chain relay for council voting tasks",
	Long:         `Follows the task contract, caches every task and hosts the signed deliberation discussion of each one.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String(flagHome, "", "relay home directory (default $RELAY_HOME or $HOME/.council-relay)")
}

func urlFlag(cmd *cobra.Command, url *string) {
	cmd.Flags().StringVarP(url, "url", "u", "http://127.0.0.1:3001", "relay service url")
}

func skeyFlag(cmd *cobra.Command, skey *string) {
	cmd.Flags().StringVarP(skey, "skeyPath", "s", "./agent_key", "hex private key path")
}

// homeDir resolves --home, then $RELAY_HOME, then the default.
func homeDir(cmd *cobra.Command) string {
	home, _ := cmd.Flags().GetString(flagHome)
	if home == "" {
		home = os.Getenv(homeEnv)
	}
	if home == "" {
		home = config.DefaultHome()
	}
	return home
}
