package http

import (
	"net/http"
)

type MetricsServer struct {
	*server
}

func NewMetricsServer(handler http.Handler, addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)

	if addr == "" {
		addr = "localhost:9090"
	}
	return &MetricsServer{server: newServer("Metrics server", addr, mux)}
}
