package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-orbispkg/internal/keystore"
)

var (
	// Global output flags only
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "go-orbispkg",
	Short: "PS4 package explorer and extractor",
	Long: `go-orbispkg is a read-only command-line tool for exploring, extracting,
validating and exporting PS4 PKG containers and the PFS filesystem images
embedded in them.

Commands:
  info        Show the package header and entry table
  extract     Extract meta entries
  validate    Run the package integrity checks
  export      Rebuild a GP4 project tree from a package
  keys        Manage the key store`,
	Version: "0.1.0-dev",
}

// Execute runs the root command and exits with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
}

// initConfig loads orbispkg-config.yaml when present and applies defaults.
func initConfig() {
	viper.SetConfigName("orbispkg-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.orbispkg")

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	viper.SetDefault("key_store_path", filepath.Join(home, ".orbispkg", "keys.yaml"))
	viper.SetDefault("decrypt_entries", true)

	viper.SetEnvPrefix("ORBISPKG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: config file error: %v\n", err)
		}
		// Config file not found is OK, we'll use defaults
	}
}

// openKeyStore loads the configured key store.
func openKeyStore() (*keystore.Store, error) {
	return keystore.Load(afero.NewOsFs(), viper.GetString("key_store_path"))
}
