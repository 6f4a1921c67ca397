package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/repository/redis"
)

// eventsHandler streams analysis events to websocket clients. Each client
// gets its own Redis subscription; without Redis the endpoint is disabled.
type eventsHandler struct {
	cache    *redis.Cache
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func newEventsHandler(cache *redis.Cache, logger *zap.Logger) *eventsHandler {
	return &eventsHandler{
		cache: cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins for development
				// In production, this should be restricted
				return true
			},
		},
		logger: logger.Named("events"),
	}
}

// handleEvents upgrades the connection and forwards analysis events until
// the client disconnects.
func (h *eventsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		http.Error(w, "event streaming requires Redis", http.StatusNotImplemented)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Event stream client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := h.cache.Subscribe(ctx, redis.AnalysisChannel)

	// Reader detects client disconnect and cancels the subscription.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event stream client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to send event to client", zap.Error(err))
				return
			}
		}
	}
}
