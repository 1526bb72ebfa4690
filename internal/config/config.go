// Package config contains all knobs and defaults used to configure skyfetch, whether it runs a
// streaming fetch or serves as a remote worker.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
)

const (
	DefaultExecutorKind = "threads"
	// DefaultPrefetch makes the prefetch window as large as the worker bound.
	DefaultPrefetch = -1

	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 200 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
	DefaultRetryMultiplier      = 2.0

	DefaultRefreshBuffer   = 5 * time.Minute
	DefaultRefreshAttempts = 3
	DefaultRefreshTimeout  = 30 * time.Second

	DefaultWorkerCacheSize = 1000
	DefaultWorkerIdleTTL   = 30 * time.Minute
)

var (
	logFormats = []string{"text", "json"}
	logLevels  = []string{"none", "debug", "info", "warn", "error", "panic", "fatal"}
	executors  = []string{"none", "serial", "threads", "distributed", "serverless"}
	identities = []string{"", "token", "basic"}
)

// LogConfig defines log specific settings. For production we recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

// ExecutorConfig selects the executor backend and bounds the stream running on it.
type ExecutorConfig struct {
	// Kind is one of 'none', 'serial', 'threads', 'distributed' or 'serverless'.
	Kind string

	// MaxWorkers bounds concurrent tasks. Zero uses the backend's default.
	MaxWorkers int

	// Prefetch is how many results may wait for the consumer beyond the ones in flight. A
	// negative value makes it equal to MaxWorkers.
	Prefetch int

	Ordered     bool
	FailFast    bool
	TaskTimeout time.Duration
}

// RetryConfig is the per-item retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// CredentialsConfig tunes how short-lived credentials are refreshed.
type CredentialsConfig struct {
	// RefreshBuffer is how long before expiration a credential counts as expired.
	RefreshBuffer   time.Duration
	RefreshAttempts int
	RefreshTimeout  time.Duration
}

// IdentityConfig is the identity the fetch authenticates as. Secrets should come from the
// environment rather than a config file.
type IdentityConfig struct {
	// Kind is 'token', 'basic' or empty for anonymous access.
	Kind     string
	Username string
	Password string
	Token    string
	Headers  map[string]string
}

// ProviderConfig describes one credentialed storage provider.
type ProviderConfig struct {
	// Endpoint issues short-lived credentials for the provider.
	Endpoint string

	Region       string
	S3Endpoint   string `mapstructure:"s3Endpoint"`
	UsePathStyle bool
}

type DistributedConfig struct {
	// Nodes are the base URLs of the worker nodes tasks are sent to.
	Nodes []string

	// EncryptionKey seals auth contexts on the wire. Nodes must share it.
	EncryptionKey string

	RequestTimeout time.Duration

	// RetryMax is how many times a failed post is retried by the HTTP client, on top of the
	// attempts of the retry policy. Every attempt may run the task again on a node.
	RetryMax int
}

type ServerlessConfig struct {
	FunctionURL string `mapstructure:"functionURL"`
}

// WorkerConfig configures the 'worker' and 'function' commands.
type WorkerConfig struct {
	Addr string

	// CacheSize bounds how many reconstructed workers a node keeps.
	CacheSize int
	IdleTTL   time.Duration
}

// MetricConfig defines configurations for serving Prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

type Config struct {
	// Provider is the provider tag credentials are issued for.
	Provider string

	// Dir is where downloaded objects are written.
	Dir string

	Log         LogConfig
	Executor    ExecutorConfig
	Retry       RetryConfig
	Credentials CredentialsConfig
	Identity    IdentityConfig
	Providers   map[string]ProviderConfig
	Distributed DistributedConfig
	Serverless  ServerlessConfig
	Worker      WorkerConfig
	Metrics     MetricConfig
	Trace       TraceConfig
}

// Verify reports the first invalid setting as a configuration error.
func (cfg *Config) Verify() error {
	if !slices.Contains(logFormats, cfg.Log.Format) {
		return skyerrors.NewConfigurationError("config 'log.format' must be one of %v", logFormats)
	}
	if !slices.Contains(logLevels, cfg.Log.Level) {
		return skyerrors.NewConfigurationError("config 'log.level' must be one of %v", logLevels)
	}
	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return skyerrors.NewConfigurationError("config 'log.timestampFormat' must be one of [Unix ISO8601]")
	}

	if !slices.Contains(executors, cfg.Executor.Kind) {
		return skyerrors.NewConfigurationError("config 'executor.kind' must be one of %v, got %q", executors, cfg.Executor.Kind)
	}
	if cfg.Executor.MaxWorkers < 0 {
		return skyerrors.NewConfigurationError("config 'executor.maxWorkers' must not be negative")
	}
	if (cfg.Executor.Kind == "serial" || cfg.Executor.Kind == "none" || cfg.Executor.Kind == "") && cfg.Executor.MaxWorkers > 1 {
		return skyerrors.NewConfigurationError("config 'executor.maxWorkers' must be at most 1 for the serial executor, got %d", cfg.Executor.MaxWorkers)
	}
	if cfg.Executor.TaskTimeout < 0 {
		return skyerrors.NewConfigurationError("config 'executor.taskTimeout' must not be negative")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return skyerrors.NewConfigurationError("config 'retry.maxAttempts' must be at least 1")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return skyerrors.NewConfigurationError(
			"config 'retry.maxInterval' (%s) cannot be lower than 'retry.initialInterval' (%s), which must be positive",
			cfg.Retry.MaxInterval, cfg.Retry.InitialInterval)
	}
	if cfg.Retry.Multiplier < 1 {
		return skyerrors.NewConfigurationError("config 'retry.multiplier' must be at least 1")
	}

	if cfg.Credentials.RefreshBuffer < 0 || cfg.Credentials.RefreshAttempts < 1 || cfg.Credentials.RefreshTimeout <= 0 {
		return skyerrors.NewConfigurationError("config 'credentials' needs a non-negative refreshBuffer, at least one refreshAttempt and a positive refreshTimeout")
	}

	if !slices.Contains(identities, cfg.Identity.Kind) {
		return skyerrors.NewConfigurationError("config 'identity.kind' must be one of %v", identities)
	}
	switch {
	case cfg.Identity.Kind == "token" && cfg.Identity.Token == "":
		return skyerrors.NewConfigurationError("config 'identity.token' must be set for token identities")
	case cfg.Identity.Kind == "basic" && (cfg.Identity.Username == "" || cfg.Identity.Password == ""):
		return skyerrors.NewConfigurationError("'identity.username' and 'identity.password' configs must be set for basic identities")
	}

	for name, p := range cfg.Providers {
		for key, raw := range map[string]string{"endpoint": p.Endpoint, "s3Endpoint": p.S3Endpoint} {
			if raw == "" {
				continue
			}
			if err := verifyURL(raw); err != nil {
				return skyerrors.NewConfigurationError("config 'providers.%s.%s': %v", name, key, err)
			}
		}
	}

	if cfg.Distributed.RetryMax < 0 {
		return skyerrors.NewConfigurationError("config 'distributed.retryMax' must not be negative")
	}

	switch cfg.Executor.Kind {
	case "distributed":
		if len(cfg.Distributed.Nodes) == 0 {
			return skyerrors.NewConfigurationError("config 'distributed.nodes' must not be empty for the distributed executor")
		}
		for _, node := range cfg.Distributed.Nodes {
			if err := verifyURL(node); err != nil {
				return skyerrors.NewConfigurationError("config 'distributed.nodes': %v", err)
			}
		}
	case "serverless":
		if err := verifyURL(cfg.Serverless.FunctionURL); err != nil {
			return skyerrors.NewConfigurationError("config 'serverless.functionURL' must be set for the serverless executor: %v", err)
		}
	}

	if cfg.Worker.CacheSize < 1 || cfg.Worker.IdleTTL <= 0 {
		return skyerrors.NewConfigurationError("config 'worker.cacheSize' and 'worker.idleTTL' must be positive")
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return skyerrors.NewConfigurationError("config 'trace.sampleRatio' must be between 0 and 1")
	}

	return nil
}

// CurrentProvider returns the settings of the configured provider, if any.
func (cfg *Config) CurrentProvider() ProviderConfig {
	return cfg.Providers[cfg.Provider]
}

func verifyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	return nil
}

// DefaultConfig is the skyfetch default configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir: ".",
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Executor: ExecutorConfig{
			Kind:     DefaultExecutorKind,
			Prefetch: DefaultPrefetch,
		},
		Retry: RetryConfig{
			MaxAttempts:     DefaultRetryMaxAttempts,
			InitialInterval: DefaultRetryInitialInterval,
			MaxInterval:     DefaultRetryMaxInterval,
			Multiplier:      DefaultRetryMultiplier,
		},
		Credentials: CredentialsConfig{
			RefreshBuffer:   DefaultRefreshBuffer,
			RefreshAttempts: DefaultRefreshAttempts,
			RefreshTimeout:  DefaultRefreshTimeout,
		},
		Providers: map[string]ProviderConfig{},
		Distributed: DistributedConfig{
			RequestTimeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Addr:      "0.0.0.0:8090",
			CacheSize: DefaultWorkerCacheSize,
			IdleTTL:   DefaultWorkerIdleTTL,
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "skyfetch",
		},
	}
}
