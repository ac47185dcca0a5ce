package http

import (
	"net/http"

	"parley/internal/api"
	"parley/internal/ws"

	"github.com/go-chi/cors"
)

type APIServer struct {
	*server
}

// NewAPIServer serves the durable request surface and the live channel upgrade.
func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, allowedOrigins []string, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/messages", apiHandlers.RequireAuth(apiHandlers.SendHandler))
	mux.HandleFunc("GET /api/conversations/{peer}/messages", apiHandlers.RequireAuth(apiHandlers.HistoryHandler))
	mux.HandleFunc("POST /api/conversations/{peer}/read", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	handler := cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Token"},
		AllowCredentials: true,
		MaxAge:           300,
	})(mux)

	return &APIServer{server: newServer("API server", addr, handler)}
}
