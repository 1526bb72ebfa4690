package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/skyfetch/skyfetch/internal/build"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

var tracer = otel.Tracer("pkg/credentials")

const (
	DefaultRefreshAttempts = 3
	DefaultInitialBackoff  = 200 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultRefreshTimeout  = 30 * time.Second
)

var (
	credentialRefreshCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "credential_refreshes_total",
		Help:      "The total number of credential-issuing calls made by credential managers, by outcome.",
	}, []string{"outcome"})

	deduplicatedRefreshCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "credential_deduplicated_requests_total",
		Help:      "The total number of credential requests that waited on an in-flight refresh instead of issuing their own.",
	})

	credentialRefreshDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "credential_refresh_duration_ms",
		Help:                            "Time spent refreshing a credential, including retries.",
		Buckets:                         []float64{10, 50, 100, 250, 500, 1000, 5000, 30000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

// Manager caches one Credential per provider and refreshes it through an Issuer. For a given
// provider at most one refresh is in flight at any time; concurrent callers that find the cached
// entry missing or expired wait on that refresh and receive its result.
//
// A Manager belongs to one identity. It is safe for concurrent use.
type Manager struct {
	issuer Issuer

	mu      sync.RWMutex
	entries map[string]Credential
	group   singleflight.Group

	buffer         time.Duration
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         logger.Logger
}

// ManagerOption defines an option that can be used to change the behavior of a Manager.
type ManagerOption func(*Manager)

func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRefreshBuffer sets how long before expiration a cached credential is considered expired.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.buffer = d
	}
}

// WithRefreshAttempts bounds the number of issuing calls made by one refresh.
func WithRefreshAttempts(n int) ManagerOption {
	return func(m *Manager) {
		m.attempts = n
	}
}

func WithBackoff(initial, maxInterval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.initialBackoff = initial
		m.maxBackoff = maxInterval
	}
}

// WithRefreshTimeout bounds one refresh, retries included.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshTimeout = d
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(issuer Issuer, opts ...ManagerOption) *Manager {
	m := &Manager{
		issuer:         issuer,
		entries:        map[string]Credential{},
		buffer:         DefaultExpiryBuffer,
		attempts:       DefaultRefreshAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		logger:         logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.attempts < 1 {
		m.attempts = 1
	}

	return m
}

// Get returns a non-expired credential for provider, refreshing it if needed.
//
// It fails with an error matching errors.ErrAuthentication when the issuer cannot produce a
// credential, and with errors.ErrCredentialExpired when the issuer returns one that is already
// expired. The context only bounds how long this caller waits; an in-flight refresh shared with
// other callers keeps running if it is cancelled.
func (m *Manager) Get(ctx context.Context, provider string) (Credential, error) {
	if cred, ok := m.valid(provider); ok {
		return cred, nil
	}

	ch := m.group.DoChan(provider, func() (interface{}, error) {
		// a refresh may have completed between the cache miss and joining the group
		if cred, ok := m.valid(provider); ok {
			return cred, nil
		}
		return m.refresh(context.WithoutCancel(ctx), provider)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			deduplicatedRefreshCounter.Inc()
		}
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Seed stores cred for provider without contacting the issuer. Expired credentials are ignored.
func (m *Manager) Seed(provider string, cred Credential) {
	if cred.IsZero() || cred.ExpiresWithin(m.now(), m.buffer) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[provider] = cred
}

// Invalidate drops the cached credential for provider so that the next Get refreshes it.
func (m *Manager) Invalidate(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, provider)
}

// Peek returns the cached credential for provider, expired or not.
func (m *Manager) Peek(provider string) (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.entries[provider]
	return cred, ok
}

func (m *Manager) valid(provider string) (Credential, bool) {
	cred, ok := m.Peek(provider)
	if !ok || cred.ExpiresWithin(m.now(), m.buffer) {
		return Credential{}, false
	}
	return cred, true
}

func (m *Manager) refresh(ctx context.Context, provider string) (Credential, error) {
	ctx, span := tracer.Start(ctx, "credentials.Refresh", trace.WithAttributes(
		attribute.String("provider", provider),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		credentialRefreshDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialBackoff
	policy.MaxInterval = m.maxBackoff
	policy.MaxElapsedTime = 0

	var issued Credential
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			cred, err := m.issuer.Issue(ctx, provider)
			if err != nil {
				if errors.Is(err, ErrAccessDenied) {
					return backoff.Permanent(err)
				}
				return err
			}
			issued = cred
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.attempts-1)), ctx),
		func(err error, next time.Duration) {
			m.logger.Warn("credential refresh failed, retrying",
				zap.String("provider", provider),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		},
	)
	span.SetAttributes(attribute.Int("attempts", attempt))

	if err != nil {
		credentialRefreshCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("credential refresh failed",
			zap.String("provider", provider),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return Credential{}, skyerrors.NewAuthenticationError(err)
	}

	if issued.ExpiresWithin(m.now(), m.buffer) {
		credentialRefreshCounter.WithLabelValues("expired").Inc()
		err := skyerrors.NewCredentialExpiredError(provider)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Credential{}, err
	}

	m.mu.Lock()
	m.entries[provider] = issued
	m.mu.Unlock()

	credentialRefreshCounter.WithLabelValues("success").Inc()
	m.logger.Debug("credential refreshed",
		zap.String("provider", provider),
		zap.Object("credential", issued))

	return issued, nil
}
