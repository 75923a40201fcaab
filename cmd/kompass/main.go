// Command kompass is the Kompass data layer CLI.
//
// It hosts the offline-first sync daemon and provides one-shot commands
// for syncing, inspecting status, and resolving conflicts.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "kompass",
	Short: "Kompass personal data sync",
	Long: `Kompass keeps your personal data consistent between this device
and your account on the server, even with intermittent connectivity.

Writes always land in the local cache first. Changes made offline are
queued and delivered automatically once you are back online.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.kompass/config.yaml)")
	rootCmd.PersistentFlags().String("owner", "", "owner id (overrides config)")
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
}

// initConfig reads the config file and environment.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".kompass"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("KOMPASS")
	viper.AutomaticEnv()

	viper.SetDefault("sync.interval", "5m")
	viper.SetDefault("sync.policy", "latestTimestamp")
	viper.SetDefault("sync.auto", true)
	viper.SetDefault("dev_mode", false)

	// Missing config file is fine; defaults plus flags still work.
	_ = viper.ReadInConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
