package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if
// set, runs once per recovered panic (the panic counter). A panic with
// http.ErrAbortHandler is re-raised so net/http aborts the connection.
// If the handler had already started the response nothing more is written.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if onPanic != nil {
					onPanic()
				}
				err, ok := v.(error)
				if ok {
					err = xerrors.Wrap(err, "panic")
				} else {
					err = xerrors.Newf("panic: %v", v)
				}
				logger.Error(r.Context(), err, "panic recovered",
					"request_id", RequestIDFromContext(r.Context()),
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				if rec.status == 0 {
					writeJSONError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
