package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vulnzero/machines/internal/domain"
)

const writeTimeout = 5 * time.Second

// StatusSource reports a session's derived status.
type StatusSource interface {
	Status(ctx context.Context, sessionID string) (domain.SessionStatus, bool)
}

// Handler upgrades GET /machines/status/ws?sessionId= and pushes the
// session status every interval until the session is inactive.
type Handler struct {
	source         StatusSource
	hub            *Hub
	interval       time.Duration
	originPatterns []string
}

// NewHandler creates a status stream handler. allowedOrigins follows the
// CORS setting; "*" accepts any origin.
func NewHandler(source StatusSource, hub *Hub, interval time.Duration, allowedOrigins []string) *Handler {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		patterns = append(patterns, hostPattern(o))
	}
	return &Handler{
		source:         source,
		hub:            hub,
		interval:       interval,
		originPatterns: patterns,
	}
}

// hostPattern strips the scheme; coder/websocket matches origins by host.
func hostPattern(origin string) string {
	origin = strings.TrimPrefix(origin, "https://")
	return strings.TrimPrefix(origin, "http://")
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"kind":"validation_error","message":"sessionId is required"}`))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("Failed to accept status stream", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	watcherID := uuid.NewString()
	h.hub.Register(sessionID, watcherID, ws)
	defer h.hub.Unregister(sessionID, watcherID, ws)

	// Incoming frames are discarded; the returned context ends when the
	// client goes away.
	ctx := ws.CloseRead(r.Context())

	slog.Info("Status stream opened", "session_id", sessionID, "watcher_id", watcherID)
	h.pushLoop(ctx, ws, sessionID)
	slog.Info("Status stream ended", "session_id", sessionID, "watcher_id", watcherID)
}

func (h *Handler) pushLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		status, _ := h.source.Status(ctx, sessionID)
		if err := writeJSON(ctx, ws, status.View()); err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				slog.Debug("Status stream write error", "error", err, "session_id", sessionID)
			}
			return
		}
		if !status.Active {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
