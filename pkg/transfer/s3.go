package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/internal/cache"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/executor"
)

const defaultRegion = "us-east-1"

// s3Fetcher keeps one client per worker, so a worker signs every request with the identity it
// reconstructed once. Clients of ephemeral workers are not kept.
type s3Fetcher struct {
	opts    options
	clients *cache.TheineCache[*s3.Client]
}

func newS3Fetcher(o options) (*s3Fetcher, error) {
	clients, err := cache.NewTheineCache(cache.WithMaxCacheSize[*s3.Client](256))
	if err != nil {
		return nil, fmt.Errorf("s3 client cache: %w", err)
	}
	return &s3Fetcher{opts: o, clients: clients}, nil
}

func (s *s3Fetcher) fetch(ctx context.Context, w *executor.Worker, obj Object) (Downloaded, error) {
	u, err := url.Parse(obj.URL)
	if err != nil || u.Scheme != "s3" {
		return Downloaded{}, skyerrors.NewFatalError(fmt.Errorf("not an s3 url: %q", obj.URL))
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return Downloaded{}, skyerrors.NewFatalError(fmt.Errorf("s3 url %q needs a bucket and a key", obj.URL))
	}
	dest, err := s.opts.destination(obj, u)
	if err != nil {
		return Downloaded{}, err
	}

	ctx, span := tracer.Start(ctx, "transfer.S3", trace.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("key", key),
	))
	defer span.End()

	client, err := s.client(ctx, w)
	if err != nil {
		return Downloaded{}, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Downloaded{}, classifyS3(err)
	}
	defer out.Body.Close()

	n, err := store(dest, out.Body)
	if err != nil {
		return Downloaded{}, err
	}
	bytesCounter.WithLabelValues("s3").Add(float64(n))
	w.Logger().Debug("downloaded object", zap.String("url", obj.URL), zap.String("path", dest), zap.Int64("bytes", n))
	return Downloaded{URL: obj.URL, Path: dest, Bytes: n}, nil
}

func (s *s3Fetcher) client(ctx context.Context, w *executor.Worker) (*s3.Client, error) {
	if c, ok := s.clients.Get(w.ID()); ok {
		return c, nil
	}

	region := s.opts.region
	if region == "" {
		region = defaultRegion
	}
	cfg, err := w.AWSConfig(ctx, region)
	if errors.Is(err, executor.ErrNoAuth) {
		// public buckets need no identity
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	if err != nil {
		return nil, classify(err)
	}

	c := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.opts.s3Endpoint != "" {
			o.BaseEndpoint = aws.String(s.opts.s3Endpoint)
		}
		o.UsePathStyle = s.opts.usePathStyle
		// retries belong to the stream, which knows the attempt budget
		o.Retryer = aws.NopRetryer{}
	})
	if !w.Ephemeral() {
		s.clients.Set(w.ID(), c, s.opts.clientTTL)
	}
	return c, nil
}

func classifyS3(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() != 0 {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			err = fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
		}
		return classifyStatus(status.HTTPStatusCode(), err)
	}
	return classify(err)
}
