package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger returns a zerolog request logger. The WebSocket endpoint blocks for
// the life of the connection and hijacks the response, so its line is emitted
// at session end with the channel and session duration instead of a status;
// every other route logs a normal request/response pair.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				evt := logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr)

				if r.URL.Path == "/ws" {
					evt.Str("channel", r.URL.Query().Get("channel")).
						Msg("websocket session ended")
					return
				}
				evt.Int("status", ww.Status()).Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
