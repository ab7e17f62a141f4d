package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleSessionWebSocket upgrades a client onto the collaboration protocol.
// The first message on the socket must be a join.
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	requestLogger(r).Debug("WebSocket upgrade requested", "remote", r.RemoteAddr)
	h.ws.HandleSession(w, r)
}
