package util

import (
	"github.com/spf13/pflag"

	"github.com/skyfetch/skyfetch/internal/config"
)

// DefineCommonFlags defines the flags shared by every command that fetches or serves: logging,
// tracing, the provider, the download directory and credential refresh.
func DefineCommonFlags(flags *pflag.FlagSet) {
	defaultConfig := config.DefaultConfig()

	flags.String("provider", defaultConfig.Provider, "the provider tag credentials are issued for")

	flags.String("dir", defaultConfig.Dir, "the directory downloaded objects are written to")

	flags.String("encryption-key", defaultConfig.Distributed.EncryptionKey, "the key sealing auth contexts sent to remote workers; submitters and workers must share it")

	flags.Duration("credentials-refresh-buffer", defaultConfig.Credentials.RefreshBuffer, "how long before expiration a credential is refreshed")

	flags.Int("credentials-refresh-attempts", defaultConfig.Credentials.RefreshAttempts, "the number of attempts to issue a credential before giving up")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use a TLS connection for the trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
}

// BindCommonFlags binds the flags defined by DefineCommonFlags to the equivalent config value
// being managed by viper. It must run once the command is chosen, since every command binds the
// same keys.
func BindCommonFlags(flags *pflag.FlagSet) {
	MustBindPFlag("provider", flags.Lookup("provider"))
	MustBindEnv("provider", "SKYFETCH_PROVIDER")

	MustBindPFlag("dir", flags.Lookup("dir"))
	MustBindEnv("dir", "SKYFETCH_DIR")

	MustBindPFlag("distributed.encryptionKey", flags.Lookup("encryption-key"))
	MustBindEnv("distributed.encryptionKey", "SKYFETCH_ENCRYPTION_KEY", "SKYFETCH_DISTRIBUTED_ENCRYPTIONKEY")

	MustBindPFlag("credentials.refreshBuffer", flags.Lookup("credentials-refresh-buffer"))
	MustBindEnv("credentials.refreshBuffer", "SKYFETCH_CREDENTIALS_REFRESH_BUFFER", "SKYFETCH_CREDENTIALS_REFRESHBUFFER")

	MustBindPFlag("credentials.refreshAttempts", flags.Lookup("credentials-refresh-attempts"))
	MustBindEnv("credentials.refreshAttempts", "SKYFETCH_CREDENTIALS_REFRESH_ATTEMPTS", "SKYFETCH_CREDENTIALS_REFRESHATTEMPTS")

	MustBindPFlag("log.format", flags.Lookup("log-format"))
	MustBindEnv("log.format", "SKYFETCH_LOG_FORMAT")

	MustBindPFlag("log.level", flags.Lookup("log-level"))
	MustBindEnv("log.level", "SKYFETCH_LOG_LEVEL")

	MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
	MustBindEnv("log.timestampFormat", "SKYFETCH_LOG_TIMESTAMP_FORMAT")

	MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	MustBindEnv("trace.enabled", "SKYFETCH_TRACE_ENABLED")

	MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	MustBindEnv("trace.otlp.endpoint", "SKYFETCH_TRACE_OTLP_ENDPOINT")

	MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	MustBindEnv("trace.otlp.tls.enabled", "SKYFETCH_TRACE_OTLP_TLS_ENABLED")

	MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	MustBindEnv("trace.sampleRatio", "SKYFETCH_TRACE_SAMPLE_RATIO")

	MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	MustBindEnv("trace.serviceName", "SKYFETCH_TRACE_SERVICE_NAME")
}
