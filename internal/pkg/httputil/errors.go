package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
)

// statusClientClosed is logged when the caller went away mid-request.
const statusClientClosed = 499

// ErrorMapping maps a sentinel error to a response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// HandleError writes the first mapping err matches. Cancellation by the
// client is not an error of ours. Anything else is logged and hidden behind
// a 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, msg)
		return
	}

	if errors.Is(err, context.Canceled) {
		ctxlog.FromContext(ctx).Debug("request canceled", "error", err)
		w.WriteHeader(statusClientClosed)
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
