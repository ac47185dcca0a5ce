package ws

import (
	"context"
	"net/http"
	"slices"

	"parley/internal/auth"
	"parley/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type tokenResolver interface {
	UserID(token string) (string, error)
}

type ServerConfig struct {
	// EventRate and EventBurst configure the per-connection inbound limiter.
	// A zero rate disables limiting.
	EventRate  rate.Limit
	EventBurst int
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

type Server struct {
	ctx      context.Context
	auth     tokenResolver
	hub      *Hub
	metrics  *metrics.Metrics
	config   ServerConfig
	upgrader *websocket.Upgrader
}

// NewServer creates the upgrade handler. Connections are closed when ctx is
// cancelled, since hijacked connections are not tracked by http.Server.Shutdown.
func NewServer(ctx context.Context, auth tokenResolver, hub *Hub, m *metrics.Metrics, config ServerConfig) *Server {
	s := &Server{
		ctx:     ctx,
		auth:    auth,
		hub:     hub,
		metrics: m,
		config:  config,
	}
	s.upgrader = &websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.UserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Warnw("error upgrading to websocket", "user_id", userID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var limiter *rate.Limiter
	if s.config.EventRate > 0 {
		limiter = rate.NewLimiter(s.config.EventRate, max(s.config.EventBurst, 1))
	}

	conn := NewConnection(s.hub, ws, userID, ConnectionConfig{
		Limiter: limiter,
		OnDrop:  s.metrics.DroppedPushes.Inc,
	})

	s.metrics.ConnectedConns.Inc()
	defer s.metrics.ConnectedConns.Dec()

	if err := conn.Handle(ctx); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		zap.S().Debugw("connection closed", "user_id", userID, "error", err)
	}
}
