package executor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/pkg/authcontext"
	"github.com/skyfetch/skyfetch/pkg/credentials"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/id"
	"github.com/skyfetch/skyfetch/pkg/identity"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

var ErrNoAuth = errors.New("worker has no auth context")

// Worker is the execution context a function runs in. It is created per worker, not per call,
// and reconstructs its identity from its AuthContext the first time a function asks for it. All
// calls on the same Worker share that identity and its credential manager.
type Worker struct {
	id        string
	auth      *authcontext.AuthContext
	ephemeral bool
	opts      []identity.Option
	logger    logger.Logger

	once     sync.Once
	identity *identity.Identity
	err      error

	reconstructions atomic.Int64
	onReconstruct   func(*Worker)
}

type workerConfig struct {
	ephemeral     bool
	identityOpts  []identity.Option
	logger        logger.Logger
	onReconstruct func(*Worker)
}

// NewWorker returns a worker for auth. No identity is built until first use. auth may be nil for
// functions that need no authentication.
func NewWorker(auth *authcontext.AuthContext, cfg workerConfig) *Worker {
	w := &Worker{
		id:            id.NewWorkerID(),
		auth:          auth,
		ephemeral:     cfg.ephemeral,
		opts:          cfg.identityOpts,
		logger:        cfg.logger,
		onReconstruct: cfg.onReconstruct,
	}
	if w.logger == nil {
		w.logger = logger.NewNoopLogger()
	}
	return w
}

func (w *Worker) ID() string {
	return w.id
}

// Ephemeral reports whether the worker serves a single call. Nothing keyed by an ephemeral
// worker should outlive that call.
func (w *Worker) Ephemeral() bool {
	return w.ephemeral
}

func (w *Worker) Logger() logger.Logger {
	return w.logger
}

// Provider is the provider tag of the worker's AuthContext.
func (w *Worker) Provider() string {
	if w.auth == nil {
		return ""
	}
	return w.auth.Provider
}

// Identity returns the worker's identity, reconstructing it on first use.
func (w *Worker) Identity() (*identity.Identity, error) {
	w.once.Do(func() {
		if w.auth == nil {
			w.err = ErrNoAuth
			return
		}
		opts := append([]identity.Option{identity.WithLogger(w.logger)}, w.opts...)
		w.identity, w.err = authcontext.ToAuth(*w.auth, opts...)
		if w.err != nil {
			w.err = skyerrors.NewAuthenticationError(w.err)
			return
		}
		w.reconstructions.Add(1)
		identityReconstructionCounter.Inc()
		w.logger.Debug("reconstructed identity",
			zap.String("worker_id", w.id),
			zap.Object("auth", w.auth))
		if w.onReconstruct != nil {
			w.onReconstruct(w)
		}
	})
	return w.identity, w.err
}

// Credentials returns a valid credential for the worker's provider.
func (w *Worker) Credentials(ctx context.Context) (credentials.Credential, error) {
	return w.CredentialsFor(ctx, w.Provider())
}

func (w *Worker) CredentialsFor(ctx context.Context, provider string) (credentials.Credential, error) {
	i, err := w.Identity()
	if err != nil {
		return credentials.Credential{}, err
	}
	return i.Credentials(ctx, provider)
}

// Session returns an HTTP client authenticated as the worker's identity. Without an AuthContext it
// is an unauthenticated client.
func (w *Worker) Session() (*http.Client, error) {
	i, err := w.Identity()
	switch {
	case errors.Is(err, ErrNoAuth):
		return http.DefaultClient, nil
	case err != nil:
		return nil, err
	}
	return i.Session(), nil
}

func (w *Worker) AWSConfig(ctx context.Context, region string) (aws.Config, error) {
	i, err := w.Identity()
	if err != nil {
		return aws.Config{}, err
	}
	return i.AWSConfig(ctx, w.Provider(), region)
}

// Reconstructions is how many times this worker built its identity. It is at most one.
func (w *Worker) Reconstructions() int64 {
	return w.reconstructions.Load()
}
