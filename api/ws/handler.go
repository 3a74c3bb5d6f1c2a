package ws

import (
	"net/http"
	"strings"

	gws "github.com/gorilla/websocket"

	"github.com/pulsegram/realtime/internal/port"
	"github.com/pulsegram/realtime/internal/websocket"
	"github.com/pulsegram/realtime/pkg/logger"
)

var upgrader = gws.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for testing; restrict in production.
	},
}

// HandleWebSocket authenticates the handshake and hands the upgraded
// connection to the hub and chat service. Failed authentication refuses the
// connection before the registry ever sees it.
func HandleWebSocket(
	hub *websocket.Hub,
	chatService websocket.ChatService,
	verifier port.IdentityVerifier,
	logg logger.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		user, err := verifier.Verify(token)
		if err != nil {
			logg.Warnf("[WS HANDLER] Refused handshake from %s: %v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logg.Errorf("[WS HANDLER] Upgrade error: %v", err)
			return
		}

		client := websocket.NewConnection(conn, hub, chatService, user, logg)
		hub.Register <- client
		chatService.Connect(client.ID, user, client)
		logg.Infof("[WS HANDLER] New connection from %s (user=%s)", conn.RemoteAddr(), user)

		go client.ReadPump()
		go client.WritePump()
	}
}
