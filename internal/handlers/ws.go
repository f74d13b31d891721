package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/hubd/internal/hub"
	"github.com/eldtechnologies/hubd/internal/metrics"
)

// NewUpgrader builds the WebSocket upgrader. With no configured origins any
// origin is accepted; panel clients connect from app-local pages.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	checkOrigin := func(r *http.Request) bool { return true }
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// ServeWS upgrades the connection and drives it through the session
// lifecycle. Join-time rejections surface as application close codes so
// clients can distinguish causes; the socket must be upgraded before any
// close code can be delivered.
func (h *Handler) ServeWS(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		q := r.URL.Query()

		channel := q.Get("channel")
		if channel == "" {
			reject(conn, hub.CloseMissingChannel, "channel is required")
			return
		}

		sinceID := int64(-1)
		if raw := q.Get("sinceId"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				reject(conn, websocket.ClosePolicyViolation, "sinceId must be a non-negative integer")
				return
			}
			sinceID = parsed
		}

		var metadata json.RawMessage
		if raw := q.Get("metadata"); raw != "" {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
				reject(conn, hub.CloseInvalidMetadata, "metadata must be a JSON object")
				return
			}
			metadata = json.RawMessage(raw)
		}

		identity, err := h.validator.Validate(r.Context(), q.Get("token"))
		if err != nil {
			reject(conn, hub.CloseUnauthorized, "unauthorized")
			return
		}

		err = h.hub.Join(r.Context(), conn, hub.JoinParams{
			Identity:  identity,
			Channel:   channel,
			ContextID: q.Get("contextId"),
			SinceID:   sinceID,
			Metadata:  metadata,
		})
		if err != nil {
			var identityErr *hub.IdentityError
			switch {
			case errors.As(err, &identityErr):
				reject(conn, identityErr.Code, identityErr.Reason)
			case errors.Is(err, hub.ErrShuttingDown):
				reject(conn, websocket.CloseGoingAway, "broker shutting down")
			default:
				h.logger.Error().Err(err).Str("channel", channel).Msg("join failed")
				reject(conn, websocket.CloseInternalServerErr, "internal error")
			}
		}
	}
}

func reject(conn *websocket.Conn, code int, reason string) {
	metrics.ConnectionsRejected.WithLabelValues(strconv.Itoa(code)).Inc()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
