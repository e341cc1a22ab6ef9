// Package cli implements sessionctl, the operator command-line tool for
// the session broker's control API.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL string
	ownerFlag string
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Manage VISP sessions",
	Long:  "sessionctl talks to the session broker's control API to list, create, commit, and delete interactive sessions.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDefaults()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "broker base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "act as this owner (default from config or $USER)")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadDefaults fills unset flags from ~/.visp/config.yaml and the
// environment.
func loadDefaults() error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := homedir.Dir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".visp"))
	}
	v.SetEnvPrefix("VISP")
	v.AutomaticEnv()
	v.SetDefault("server", "http://localhost:8080")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading sessionctl config: %w", err)
		}
	}

	if serverURL == "" {
		serverURL = v.GetString("server")
	}
	if ownerFlag == "" {
		ownerFlag = v.GetString("owner")
	}
	if ownerFlag == "" {
		ownerFlag = os.Getenv("USER")
	}
	if ownerFlag == "" {
		return fmt.Errorf("no owner identity: set --owner, VISP_OWNER, or owner in ~/.visp/config.yaml")
	}
	return nil
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
