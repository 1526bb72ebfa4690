// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with SKYFETCH, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SKYFETCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/skyfetch", "$HOME/.skyfetch", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "skyfetch",
		Short: "Stream downloads from credentialed storage through a pool of workers",
		Long: `Stream downloads from credentialed storage through a pool of workers.

skyfetch authenticates once, snapshots the identity into a serializable auth context and hands it
to every worker, which reconstructs the identity on first use and refreshes short-lived
credentials on its own. Workers can be goroutines, remote nodes or serverless functions.`,
		SilenceUsage: true,
	}
}
