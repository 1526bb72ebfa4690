// Package retryablehttp builds the retrying HTTP clients used to reach remote worker nodes and
// function endpoints.
package retryablehttp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/pkg/logger"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
)

type Option func(*retryablehttp.Client)

func WithRetryMax(n int) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = n
	}
}

func WithWaitBounds(minWait, maxWait time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = minWait
		c.RetryWaitMax = maxWait
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Timeout = d
	}
}

// WithTransport replaces the transport underneath the retry loop. It is still traced.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Transport = otelhttp.NewTransport(rt)
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *retryablehttp.Client) {
		c.Logger = leveledLogger{l}
	}
}

// NewClient returns a client that retries connection errors, 429 and 5xx responses. Once retries
// are exhausted the last response is returned to the caller instead of an error, so that callers
// can classify it by status.
func NewClient(opts ...Option) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = defaultRetryMax
	c.RetryWaitMin = defaultRetryWaitMin
	c.RetryWaitMax = defaultRetryWaitMax
	c.Logger = leveledLogger{logger.NewNoopLogger()}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.HTTPClient.Transport = otelhttp.NewTransport(c.HTTPClient.Transport)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// leveledLogger adapts a Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logger.Logger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, fields(keysAndValues)...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, fields(keysAndValues)...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, fields(keysAndValues)...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
