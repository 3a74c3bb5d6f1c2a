package ws

import (
	"context"
	"net/http"

	"github.com/pulsegram/realtime/internal/port"
	"github.com/pulsegram/realtime/internal/websocket"
	"github.com/pulsegram/realtime/pkg/logger"
)

type WSConfig struct {
	Hub         *websocket.Hub
	ChatService websocket.ChatService
	Verifier    port.IdentityVerifier
	RootCtx     context.Context
}

func SetupWebSocketRoutes(cfg WSConfig) http.Handler {
	mux := http.NewServeMux()
	log := logger.FromContext(cfg.RootCtx).WithModule("websocket")
	mux.HandleFunc("/ws", HandleWebSocket(cfg.Hub, cfg.ChatService, cfg.Verifier, log))
	return mux
}
