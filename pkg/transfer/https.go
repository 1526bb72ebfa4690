package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/executor"
)

type httpsFetcher struct {
	opts options
}

func (h *httpsFetcher) fetch(ctx context.Context, w *executor.Worker, obj Object) (Downloaded, error) {
	u, err := url.Parse(obj.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return Downloaded{}, skyerrors.NewFatalError(fmt.Errorf("not an http url: %q", obj.URL))
	}
	dest, err := h.opts.destination(obj, u)
	if err != nil {
		return Downloaded{}, err
	}
	// query strings of pre-signed URLs carry signatures
	display := redact(u)

	ctx, span := tracer.Start(ctx, "transfer.HTTPS", trace.WithAttributes(attribute.String("url", display)))
	defer span.End()

	client, err := w.Session()
	if err != nil {
		return Downloaded{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.URL, nil)
	if err != nil {
		return Downloaded{}, skyerrors.NewFatalError(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Downloaded{}, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Downloaded{}, classifyStatus(resp.StatusCode, fmt.Errorf("GET %s: %s", display, resp.Status))
	}

	n, err := store(dest, resp.Body)
	if err != nil {
		return Downloaded{}, err
	}
	bytesCounter.WithLabelValues(u.Scheme).Add(float64(n))
	w.Logger().Debug("downloaded object", zap.String("url", display), zap.String("path", dest), zap.Int64("bytes", n))
	return Downloaded{URL: obj.URL, Path: dest, Bytes: n}, nil
}
