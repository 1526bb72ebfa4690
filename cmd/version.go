package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyfetch/skyfetch/internal/build"
)

// NewVersionCommand returns the command to get the skyfetch version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the skyfetch version",
		Long:  "Return the skyfetch version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "skyfetch version %s date %s commit %s\n", build.Version, build.Date, build.Commit)
	return err
}
