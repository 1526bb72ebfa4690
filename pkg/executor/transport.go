package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"

	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	skyhttp "github.com/skyfetch/skyfetch/pkg/retryablehttp"
)

// HTTPTransport posts envelopes to a set of hosts in round-robin order. Hosts are either
// distributed Nodes or Function endpoints.
type HTTPTransport struct {
	urls   []string
	next   atomic.Uint64
	client *retryablehttp.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport posts envelopes to urls. The client does not retry a failed post unless opts
// set a RetryMax: the stream already retries transient failures, and each extra HTTP retry
// multiplies the number of times a task body may run.
func NewHTTPTransport(urls []string, opts ...skyhttp.Option) (*HTTPTransport, error) {
	if len(urls) == 0 {
		return nil, skyerrors.NewConfigurationError("http transport requires at least one host")
	}
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		clean = append(clean, strings.TrimRight(u, "/"))
	}
	opts = append([]skyhttp.Option{skyhttp.WithRetryMax(0)}, opts...)
	return &HTTPTransport{urls: clean, client: skyhttp.NewClient(opts...)}, nil
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, skyerrors.NewFatalError(err)
	}

	host := t.urls[(t.next.Add(1)-1)%uint64(len(t.urls))]
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, host+TasksPath, bytes.NewReader(body))
	if err != nil {
		return nil, skyerrors.NewFatalError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", skyerrors.ErrCancelled, ctx.Err())
		}
		return nil, skyerrors.NewTransientError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return nil, skyerrors.NewTransientError(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, skyerrors.NewTransientError(fmt.Errorf("%s returned %s", host, resp.Status))
	default:
		return nil, skyerrors.NewFatalError(fmt.Errorf("%s returned %s: %s", host, resp.Status, bytes.TrimSpace(raw)))
	}

	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, skyerrors.NewFatalError(fmt.Errorf("malformed reply from %s: %w", host, err))
	}
	return r.unwrap()
}

func (t *HTTPTransport) Close() error {
	t.client.HTTPClient.CloseIdleConnections()
	return nil
}

// LocalTransport delivers envelopes to in-process handlers in round-robin order. Envelopes and
// replies go through the same encoding as over HTTP, so handlers share nothing with the submitter
// but the registry.
type LocalTransport struct {
	handlers []Handler
	next     atomic.Uint64
}

var _ Transport = (*LocalTransport)(nil)

func NewLocalTransport(handlers ...Handler) (*LocalTransport, error) {
	if len(handlers) == 0 {
		return nil, skyerrors.NewConfigurationError("local transport requires at least one handler")
	}
	return &LocalTransport{handlers: handlers}, nil
}

func (t *LocalTransport) RoundTrip(ctx context.Context, env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, skyerrors.NewFatalError(err)
	}
	var received Envelope
	if err := json.Unmarshal(raw, &received); err != nil {
		return nil, skyerrors.NewFatalError(err)
	}

	h := t.handlers[(t.next.Add(1)-1)%uint64(len(t.handlers))]
	return newReply(h.Handle(ctx, received)).unwrap()
}

func (t *LocalTransport) Close() error {
	for _, h := range t.handlers {
		if c, ok := h.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
