package live

import (
	"net/http"

	"github.com/gorilla/websocket"

	"signaldesk/internal/config"
	"signaldesk/internal/types"
)

// Handler upgrades GET requests to websocket connections and runs the
// client pumps until the connection drops.
type Handler struct {
	hub      *Hub
	cfg      config.LiveConfig
	control  ControlHandler
	logger   types.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket upgrade handler.
func NewHandler(hub *Hub, cfg config.LiveConfig, control ControlHandler, logger types.Logger) *Handler {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Handler{
		hub:     hub,
		cfg:     cfg,
		control: control,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and registers it with the hub. The
// recipient identity comes from the recipient_id query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		http.Error(w, "recipient_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "recipient_id", recipientID, "error", err)
		return
	}

	client := NewClient(recipientID, conn, h.cfg, h.control, h.logger)
	h.hub.Register(client)
	h.logger.Info("websocket client connected", "recipient_id", recipientID)

	go client.WritePump()
	client.ReadPump(r.Context())

	h.hub.Unregister(client)
	h.logger.Info("websocket client disconnected", "recipient_id", recipientID)
}
