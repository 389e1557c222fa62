package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

const (
	subscribeBuffer = 128
	writeTimeout    = 5 * time.Second
)

// LogSource abstracts per-cloud debug streams.
// *orchestrator.Orchestrator satisfies this interface.
type LogSource interface {
	DebugLogs(name string) []debuglog.Entry
	SubscribeLogs(name string, buffer int) (<-chan debuglog.Entry, func(), error)
}

// Hub serves debug log streams over WebSocket.
type Hub struct {
	logs LogSource
}

// NewHub creates a new WebSocket hub.
func NewHub(logs LogSource) *Hub {
	return &Hub{logs: logs}
}

// ServeLogs streams a running cloud's debug log. The retained history is
// sent first, then live entries until the cloud stops or the client goes
// away. Each frame is a JSON LogEvent.
func (h *Hub) ServeLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Subscribe before reading history so nothing falls in between.
	entries, cleanup, err := h.logs.SubscribeLogs(name, subscribeBuffer)
	if err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			middleware.WriteError(w, http.StatusConflict, "NOT_RUNNING", fmt.Sprintf("cloud %q is not running", name))
			return
		}
		log.Error().Err(err).Str("cloud", name).Msg("websocket subscribe")
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL", "subscribe failed")
		return
	}
	defer cleanup()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	var last time.Time
	for _, e := range h.logs.DebugLogs(name) {
		if writeErr := writeEvent(ctx, conn, LogEvent{Type: EventHistory, Cloud: name, Entry: e}); writeErr != nil {
			log.Debug().Err(writeErr).Msg("websocket write")
			return
		}
		last = e.Time
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case e, ok := <-entries:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "cloud stopped")
				return
			}
			if !e.Time.After(last) {
				continue
			}
			if writeErr := writeEvent(ctx, conn, LogEvent{Type: EventLive, Cloud: name, Entry: e}); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt LogEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("ws.writeEvent: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("ws.writeEvent: %w", err)
	}
	return nil
}
