package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/logger"
	"github.com/skyfetch/skyfetch/pkg/telemetry"
)

// TasksPath is the path remote hosts accept calls on.
const TasksPath = "/v1/tasks"

const maxEnvelopeBytes = 64 << 20

// Envelope is the wire form of a Call. Auth is an AuthContext encoded with the executor's codec.
type Envelope struct {
	ID        string `json:"id"`
	Func      string `json:"func"`
	Arg       []byte `json:"arg,omitempty"`
	Auth      string `json:"auth,omitempty"`
	TimeoutMS int64  `json:"timeoutMs,omitempty"`
}

func (e Envelope) call() Call {
	return Call{
		ID:      e.ID,
		Func:    e.Func,
		Arg:     e.Arg,
		Timeout: time.Duration(e.TimeoutMS) * time.Millisecond,
	}
}

// reply is the wire form of a call's outcome. Errors keep their message and their kind, so that
// the submitting side can still tell a transient failure from a fatal one.
type reply struct {
	Result []byte         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Kind   skyerrors.Kind `json:"kind,omitempty"`
}

func newReply(result []byte, err error) reply {
	if err != nil {
		return reply{Error: err.Error(), Kind: skyerrors.KindOf(err)}
	}
	return reply{Result: result}
}

func (r reply) unwrap() ([]byte, error) {
	if r.Kind != skyerrors.KindNone {
		return nil, skyerrors.FromKind(r.Kind, r.Error)
	}
	return r.Result, nil
}

// Handler executes envelopes. Node and Function are Handlers.
type Handler interface {
	Handle(ctx context.Context, env Envelope) ([]byte, error)
}

// serveHandler exposes h over HTTP. A call that fails still gets a 200 response; only a request
// that cannot be read is rejected with a client error.
func serveHandler(h Handler, l logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+TasksPath, func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&env); err != nil {
			writeReply(w, http.StatusBadRequest, newReply(nil, skyerrors.NewFatalError(fmt.Errorf("malformed envelope: %w", err))), l)
			return
		}

		out, err := h.Handle(r.Context(), env)
		if err != nil && !errors.Is(err, skyerrors.ErrUnknownFunction) {
			l.WarnWithContext(r.Context(), "call failed",
				zap.String("call_id", env.ID),
				zap.String("func", env.Func),
				zap.Error(err))
		}
		writeReply(w, http.StatusOK, newReply(out, err), l)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return telemetry.HTTPServerTraceExtractor(mux)
}

func writeReply(w http.ResponseWriter, status int, r reply, l logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(r); err != nil {
		l.Error("failed to write reply", zap.Error(err))
	}
}
