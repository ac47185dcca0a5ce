package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// server is the listener lifecycle shared by the API, admin and metrics servers.
type server struct {
	name   string
	server *http.Server
	wg     sync.WaitGroup
}

func newServer(name, addr string, handler http.Handler) *server {
	return &server{
		name: name,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks until the server is shut down.
func (s *server) Start() error {
	zap.S().Infow(s.name+" started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
