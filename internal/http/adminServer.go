package http

import (
	"net/http"

	"parley/internal/api"
)

// AdminServer must only listen on a trusted interface: it issues tokens
// without any credentials.
type AdminServer struct {
	*server
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("GET /admin/presence", adminHandler.PresenceHandler)

	if addr == "" {
		addr = "localhost:8081"
	}
	return &AdminServer{server: newServer("Admin API", addr, mux)}
}
