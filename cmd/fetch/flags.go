package fetch

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skyfetch/skyfetch/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.BindCommonFlags(flags)

		util.MustBindPFlag("executor.kind", flags.Lookup("executor"))
		util.MustBindEnv("executor.kind", "SKYFETCH_EXECUTOR", "SKYFETCH_EXECUTOR_KIND")

		util.MustBindPFlag("executor.maxWorkers", flags.Lookup("max-workers"))
		util.MustBindEnv("executor.maxWorkers", "SKYFETCH_MAX_WORKERS", "SKYFETCH_EXECUTOR_MAXWORKERS")

		util.MustBindPFlag("executor.prefetch", flags.Lookup("prefetch"))
		util.MustBindEnv("executor.prefetch", "SKYFETCH_PREFETCH", "SKYFETCH_EXECUTOR_PREFETCH")

		util.MustBindPFlag("executor.ordered", flags.Lookup("ordered"))
		util.MustBindEnv("executor.ordered", "SKYFETCH_ORDERED", "SKYFETCH_EXECUTOR_ORDERED")

		util.MustBindPFlag("executor.failFast", flags.Lookup("fail-fast"))
		util.MustBindEnv("executor.failFast", "SKYFETCH_FAIL_FAST", "SKYFETCH_EXECUTOR_FAILFAST")

		util.MustBindPFlag("executor.taskTimeout", flags.Lookup("task-timeout"))
		util.MustBindEnv("executor.taskTimeout", "SKYFETCH_TASK_TIMEOUT", "SKYFETCH_EXECUTOR_TASKTIMEOUT")

		util.MustBindPFlag("retry.maxAttempts", flags.Lookup("retry-max-attempts"))
		util.MustBindEnv("retry.maxAttempts", "SKYFETCH_RETRY_MAX_ATTEMPTS", "SKYFETCH_RETRY_MAXATTEMPTS")

		util.MustBindPFlag("retry.initialInterval", flags.Lookup("retry-initial-interval"))
		util.MustBindEnv("retry.initialInterval", "SKYFETCH_RETRY_INITIAL_INTERVAL", "SKYFETCH_RETRY_INITIALINTERVAL")

		util.MustBindPFlag("retry.maxInterval", flags.Lookup("retry-max-interval"))
		util.MustBindEnv("retry.maxInterval", "SKYFETCH_RETRY_MAX_INTERVAL", "SKYFETCH_RETRY_MAXINTERVAL")

		util.MustBindPFlag("distributed.nodes", flags.Lookup("nodes"))
		util.MustBindEnv("distributed.nodes", "SKYFETCH_NODES", "SKYFETCH_DISTRIBUTED_NODES")

		util.MustBindPFlag("serverless.functionURL", flags.Lookup("function-url"))
		util.MustBindEnv("serverless.functionURL", "SKYFETCH_FUNCTION_URL", "SKYFETCH_SERVERLESS_FUNCTIONURL")

		util.MustBindPFlag("identity.kind", flags.Lookup("identity"))
		util.MustBindEnv("identity.kind", "SKYFETCH_IDENTITY", "SKYFETCH_IDENTITY_KIND")

		util.MustBindPFlag("identity.username", flags.Lookup("username"))
		util.MustBindEnv("identity.username", "SKYFETCH_USERNAME", "SKYFETCH_IDENTITY_USERNAME")

		// secrets are read from the environment only
		util.MustBindEnv("identity.password", "SKYFETCH_PASSWORD", "SKYFETCH_IDENTITY_PASSWORD")
		util.MustBindEnv("identity.token", "SKYFETCH_TOKEN", "SKYFETCH_IDENTITY_TOKEN")
	}
}
