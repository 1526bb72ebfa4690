package worker

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skyfetch/skyfetch/cmd/util"
	"github.com/skyfetch/skyfetch/internal/config"
)

func defineServeFlags(cmd *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	util.DefineCommonFlags(flags)

	flags.String("addr", defaultConfig.Worker.Addr, "the host:port address to serve tasks on")

	flags.Int("cache-size", defaultConfig.Worker.CacheSize, "the number of authenticated workers a node keeps")

	flags.Duration("idle-ttl", defaultConfig.Worker.IdleTTL, "how long an idle worker and its credentials are kept")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	// NOTE: if you add a new flag here, update bindRunFlagsFunc, too

	cmd.PreRun = bindRunFlagsFunc(flags)
}

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.BindCommonFlags(flags)

		util.MustBindPFlag("worker.addr", flags.Lookup("addr"))
		util.MustBindEnv("worker.addr", "SKYFETCH_WORKER_ADDR")

		util.MustBindPFlag("worker.cacheSize", flags.Lookup("cache-size"))
		util.MustBindEnv("worker.cacheSize", "SKYFETCH_WORKER_CACHE_SIZE", "SKYFETCH_WORKER_CACHESIZE")

		util.MustBindPFlag("worker.idleTTL", flags.Lookup("idle-ttl"))
		util.MustBindEnv("worker.idleTTL", "SKYFETCH_WORKER_IDLE_TTL", "SKYFETCH_WORKER_IDLETTL")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "SKYFETCH_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "SKYFETCH_METRICS_ADDR")
	}
}
