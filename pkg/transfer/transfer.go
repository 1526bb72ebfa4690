// Package transfer provides task functions that download objects from credentialed storage into a
// local directory. They run on any executor backend and obtain credentials through the worker.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/skyfetch/skyfetch/internal/build"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/executor"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

var tracer = otel.Tracer("pkg/transfer")

var bytesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "transfer_bytes_total",
	Help:      "The total number of bytes downloaded, by URL scheme.",
}, []string{"scheme"})

const (
	S3Func    = "transfer.s3"
	HTTPSFunc = "transfer.https"
	FetchFunc = "transfer.fetch"
)

// Object names a remote object and where to store it. Dest is a relative path inside the download
// directory; an empty Dest uses the last element of the URL path.
type Object struct {
	URL  string `json:"url"`
	Dest string `json:"dest,omitempty"`
}

// String returns the URL without its query, which may carry a presigned signature.
func (o Object) String() string {
	u, err := url.Parse(o.URL)
	if err != nil {
		return o.URL
	}
	return redact(u)
}

func redact(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

// Downloaded describes a stored object.
type Downloaded struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

type options struct {
	dir          string
	region       string
	s3Endpoint   string
	usePathStyle bool
	clientTTL    time.Duration
	logger       logger.Logger
}

type Option func(*options)

// WithDir sets the directory objects are written to. It defaults to the working directory.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithS3Endpoint points S3 requests at an S3-compatible service instead of AWS.
func WithS3Endpoint(endpoint string, usePathStyle bool) Option {
	return func(o *options) {
		o.s3Endpoint = endpoint
		o.usePathStyle = usePathStyle
	}
}

// WithClientTTL sets how long an S3 client built for a worker is reused.
func WithClientTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.clientTTL = ttl
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts []Option) options {
	o := options{
		dir:       ".",
		clientTTL: 10 * time.Minute,
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RegisterS3 registers a function downloading s3://bucket/key URLs.
func RegisterS3(reg *executor.Registry, opts ...Option) (executor.Handle[Object, Downloaded], error) {
	s, err := newS3Fetcher(newOptions(opts))
	if err != nil {
		return executor.Handle[Object, Downloaded]{}, err
	}
	return executor.Register(reg, S3Func, s.fetch)
}

// RegisterHTTPS registers a function downloading http(s) URLs with the worker's session.
func RegisterHTTPS(reg *executor.Registry, opts ...Option) (executor.Handle[Object, Downloaded], error) {
	h := &httpsFetcher{opts: newOptions(opts)}
	return executor.Register(reg, HTTPSFunc, h.fetch)
}

// Register registers a function downloading any supported URL, chosen by its scheme.
func Register(reg *executor.Registry, opts ...Option) (executor.Handle[Object, Downloaded], error) {
	o := newOptions(opts)
	s, err := newS3Fetcher(o)
	if err != nil {
		return executor.Handle[Object, Downloaded]{}, err
	}
	h := &httpsFetcher{opts: o}

	return executor.Register(reg, FetchFunc, func(ctx context.Context, w *executor.Worker, obj Object) (Downloaded, error) {
		u, err := url.Parse(obj.URL)
		if err != nil {
			return Downloaded{}, skyerrors.NewFatalError(fmt.Errorf("parse url %q: %w", obj.URL, err))
		}
		switch u.Scheme {
		case "s3":
			return s.fetch(ctx, w, obj)
		case "http", "https":
			return h.fetch(ctx, w, obj)
		default:
			return Downloaded{}, skyerrors.NewFatalError(fmt.Errorf("unsupported scheme %q in %q", u.Scheme, obj.URL))
		}
	})
}

// destination resolves where obj is written. Paths escaping the download directory are rejected.
func (o options) destination(obj Object, u *url.URL) (string, error) {
	dest := obj.Dest
	if dest == "" {
		dest = path.Base(u.Path)
		if dest == "/" || dest == "." {
			return "", skyerrors.NewFatalError(fmt.Errorf("cannot derive a file name from %q", obj.URL))
		}
	}
	// rejects absolute paths too
	if !filepath.IsLocal(dest) {
		return "", skyerrors.NewFatalError(fmt.Errorf("destination %q escapes the download directory", dest))
	}
	return filepath.Join(o.dir, dest), nil
}

// store writes body to dest through a temporary file, so a failed download never leaves a partial
// file under the final name.
func store(dest string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, skyerrors.NewFatalError(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".skyfetch-*")
	if err != nil {
		return 0, skyerrors.NewFatalError(err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, classify(err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, skyerrors.NewFatalError(err)
	}
	return n, nil
}

// classifyStatus maps an unsuccessful HTTP status to the error taxonomy.
func classifyStatus(status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return skyerrors.NewTransientError(cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return skyerrors.NewFatalError(fmt.Errorf("access denied: %w", cause))
	default:
		return skyerrors.NewFatalError(cause)
	}
}

// classify maps a transport error to the error taxonomy. Context errors pass through untouched so
// the executor can tell a task timeout from a cancellation.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF):
		return skyerrors.NewTransientError(err)
	case skyerrors.KindOf(err) != skyerrors.KindUnknown:
		return err
	default:
		return skyerrors.NewFatalError(err)
	}
}
