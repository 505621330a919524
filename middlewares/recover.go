package middlewares

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// ErrorMessage is the body of every response the proxy fails to produce.
const ErrorMessage = "Something went wrong. Proxy server does not work"

// WriteError answers with the generic 500 text response.
func WriteError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(ErrorMessage))
}

// RecoverMiddleware turns a panic in next into a 500 response. http.ErrAbortHandler is
// re-raised so the server can abort the connection silently.
//
// Parameters:
// - next: The next HTTP handler to be called.
// - logger: Logger receiving the panic value and stack.
//
// Returns:
// - http.Handler: The protected handler.
func RecoverMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Error("Recovered from panic",
				slog.Any("panic", rec),
				slog.String("path", r.URL.Path),
				slog.String("stack", string(debug.Stack())))
			WriteError(w)
		}()
		next.ServeHTTP(w, r)
	})
}
