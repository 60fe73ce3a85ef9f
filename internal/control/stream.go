package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"warden/internal/bus"
)

// streamPingInterval paces keep-alive pings on idle stream connections.
const streamPingInterval = 30 * time.Second

// streamWriteTimeout bounds a single frame write so one stuck client
// cannot pin the handler.
const streamWriteTimeout = 5 * time.Second

// handleStream handles GET /control/stream: upgrades to WebSocket and
// forwards bus events as JSON text frames until the client disconnects.
// An optional types query parameter narrows the subscription, e.g.
// ?types=detectionEvent,breakerStateChanged.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.events == nil {
		http.Error(w, "Event stream disabled", http.StatusNotFound)
		return
	}

	var types []bus.Type
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, bus.Type(t))
			}
		}
	}

	// Subscribe before the upgrade completes so nothing published after
	// the handshake is lost.
	events, cancel := h.events.Subscribe(types...)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is handled by the CORS layer
	})
	if err != nil {
		slog.Error("stream upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.CloseNow()

	// The stream never expects inbound frames; CloseRead cancels the
	// context as soon as the client goes away.
	ctx := conn.CloseRead(r.Context())

	slog.Info("event stream connected",
		"remote", r.RemoteAddr,
		"types", len(types),
	)

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "stream closed")
			return

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("stream write failed", "error", err)
				return
			}

		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				slog.Debug("stream ping failed", "error", err)
				return
			}
		}
	}
}

// writeEvent marshals and sends one bus event under the write deadline.
func writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}
