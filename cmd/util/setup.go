package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/internal/build"
	"github.com/skyfetch/skyfetch/internal/config"
	"github.com/skyfetch/skyfetch/pkg/authcontext"
	"github.com/skyfetch/skyfetch/pkg/credentials"
	"github.com/skyfetch/skyfetch/pkg/encrypter"
	"github.com/skyfetch/skyfetch/pkg/executor"
	"github.com/skyfetch/skyfetch/pkg/identity"
	"github.com/skyfetch/skyfetch/pkg/logger"
	skyhttp "github.com/skyfetch/skyfetch/pkg/retryablehttp"
	"github.com/skyfetch/skyfetch/pkg/stream"
	"github.com/skyfetch/skyfetch/pkg/telemetry"
	"github.com/skyfetch/skyfetch/pkg/transfer"
)

// ReadConfig returns the configuration built from the 'config.yaml' file, SKYFETCH_ environment
// variables and bound flags. The 'config.yaml' file is loaded from '/etc/skyfetch',
// '$HOME/.skyfetch', or the current working directory. If no configuration file is present,
// the default values are used. The result is verified.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewLogger(cfg *config.Config) (logger.Logger, error) {
	l, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Telemetry installs the configured tracer provider and returns the function that must be called
// to shut it down.
func Telemetry(cfg *config.Config, l logger.Logger) (func() error, error) {
	if !cfg.Trace.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() error { return nil }, nil
	}

	l.Info("tracing enabled",
		zap.Float64("sample_ratio", cfg.Trace.SampleRatio),
		zap.String("endpoint", cfg.Trace.OTLP.Endpoint),
		zap.Bool("tls", cfg.Trace.OTLP.TLS.Enabled))

	options := []telemetry.TracerOption{
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Trace.ServiceName),
			semconv.ServiceVersionKey.String(build.Version),
		),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
	}
	if !cfg.Trace.OTLP.TLS.Enabled {
		options = append(options, telemetry.WithOTLPInsecure())
	}

	tp, err := telemetry.NewTracerProvider(options...)
	if err != nil {
		return nil, err
	}
	return func() error {
		// flushing the batch span processor can take up to 5 seconds
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

// ServeMetrics starts the Prometheus metrics server if it is enabled. The returned server is nil
// otherwise.
func ServeMetrics(cfg *config.Config, l logger.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		l.Info("starting prometheus metrics server", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("failed to start prometheus metrics server", zap.Error(err))
		}
	}()
	return srv
}

// IdentityOptions are the options every identity of this process is built with, including the
// identities workers reconstruct from an AuthContext.
func IdentityOptions(cfg *config.Config, l logger.Logger) []identity.Option {
	return []identity.Option{
		identity.WithLogger(l),
		identity.WithManagerOptions(
			credentials.WithRefreshBuffer(cfg.Credentials.RefreshBuffer),
			credentials.WithRefreshAttempts(cfg.Credentials.RefreshAttempts),
			credentials.WithRefreshTimeout(cfg.Credentials.RefreshTimeout),
		),
	}
}

// Identity returns the configured identity, or nil for anonymous access.
func Identity(cfg *config.Config, l logger.Logger) (*identity.Identity, error) {
	opts := IdentityOptions(cfg, l)
	for name, p := range cfg.Providers {
		if p.Endpoint != "" {
			opts = append(opts, identity.WithEndpoint(name, p.Endpoint))
		}
	}
	if len(cfg.Identity.Headers) > 0 {
		headers := http.Header{}
		for k, v := range cfg.Identity.Headers {
			headers.Set(k, v)
		}
		opts = append(opts, identity.WithHeaders(headers))
	}

	switch cfg.Identity.Kind {
	case "token":
		return identity.NewToken(cfg.Identity.Token, opts...)
	case "basic":
		return identity.NewBasic(cfg.Identity.Username, cfg.Identity.Password, opts...)
	default:
		return nil, nil
	}
}

// Registry registers the transfer functions configured for the current provider. It returns the
// handle of the scheme-dispatching fetch function.
func Registry(cfg *config.Config, l logger.Logger) (*executor.Registry, executor.Handle[transfer.Object, transfer.Downloaded], error) {
	p := cfg.CurrentProvider()
	opts := []transfer.Option{
		transfer.WithDir(cfg.Dir),
		transfer.WithRegion(p.Region),
		transfer.WithLogger(l),
	}
	if p.S3Endpoint != "" {
		opts = append(opts, transfer.WithS3Endpoint(p.S3Endpoint, p.UsePathStyle))
	}

	reg := executor.NewRegistry()
	h, err := transfer.Register(reg, opts...)
	if err != nil {
		return nil, h, err
	}
	if _, err := transfer.RegisterS3(reg, opts...); err != nil {
		return nil, h, err
	}
	if _, err := transfer.RegisterHTTPS(reg, opts...); err != nil {
		return nil, h, err
	}
	return reg, h, nil
}

// Codec returns the AuthContext codec shared by submitters and remote workers.
func Codec(cfg *config.Config) (*authcontext.Codec, error) {
	if cfg.Distributed.EncryptionKey == "" {
		return authcontext.NewCodec(nil), nil
	}
	enc, err := encrypter.NewGCMEncrypter(cfg.Distributed.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("auth context encryption: %w", err)
	}
	return authcontext.NewCodec(enc), nil
}

// ExecutorOptions are the options shared by executors, nodes and functions.
func ExecutorOptions(cfg *config.Config, reg *executor.Registry, l logger.Logger) ([]executor.Option, error) {
	codec, err := Codec(cfg)
	if err != nil {
		return nil, err
	}
	opts := []executor.Option{
		executor.WithRegistry(reg),
		executor.WithCodec(codec),
		executor.WithLogger(l),
		executor.WithIdentityOptions(IdentityOptions(cfg, l)...),
		executor.WithWorkerCache(int64(cfg.Worker.CacheSize), cfg.Worker.IdleTTL),
	}
	if cfg.Executor.MaxWorkers > 0 {
		opts = append(opts, executor.WithMaxWorkers(cfg.Executor.MaxWorkers))
	}
	return opts, nil
}

// Executor builds the configured executor backend.
func Executor(cfg *config.Config, reg *executor.Registry, l logger.Logger) (executor.Executor, error) {
	opts, err := ExecutorOptions(cfg, reg, l)
	if err != nil {
		return nil, err
	}

	var urls []string
	switch cfg.Executor.Kind {
	case "distributed":
		urls = cfg.Distributed.Nodes
	case "serverless":
		urls = []string{cfg.Serverless.FunctionURL}
	}
	if len(urls) > 0 {
		transport, err := executor.NewHTTPTransport(urls,
			skyhttp.WithRetryMax(cfg.Distributed.RetryMax),
			skyhttp.WithTimeout(cfg.Distributed.RequestTimeout),
			skyhttp.WithLogger(l))
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithTransport(transport))
	}

	return executor.New(cfg.Executor.Kind, opts...)
}

// StreamOptions maps the executor and retry settings onto a stream.
func StreamOptions(cfg *config.Config, l logger.Logger) []stream.Option {
	opts := []stream.Option{
		stream.WithOrdered(cfg.Executor.Ordered),
		stream.WithFailFast(cfg.Executor.FailFast),
		stream.WithTaskTimeout(cfg.Executor.TaskTimeout),
		stream.WithLogger(l),
		stream.WithRetryPolicy(stream.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialInterval,
			MaxBackoff:     cfg.Retry.MaxInterval,
			Multiplier:     cfg.Retry.Multiplier,
		}),
	}
	if cfg.Executor.MaxWorkers > 0 {
		opts = append(opts, stream.WithMaxWorkers(cfg.Executor.MaxWorkers))
	}
	if cfg.Executor.Prefetch >= 0 {
		opts = append(opts, stream.WithPrefetch(cfg.Executor.Prefetch))
	}
	return opts
}
