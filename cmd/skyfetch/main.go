package main

import (
	"os"

	"github.com/skyfetch/skyfetch/cmd"
	"github.com/skyfetch/skyfetch/cmd/fetch"
	"github.com/skyfetch/skyfetch/cmd/worker"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	fetchCmd := fetch.NewFetchCommand()
	rootCmd.AddCommand(fetchCmd)

	workerCmd := worker.NewWorkerCommand()
	rootCmd.AddCommand(workerCmd)

	functionCmd := worker.NewFunctionCommand()
	rootCmd.AddCommand(functionCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
