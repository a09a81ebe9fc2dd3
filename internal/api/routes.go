package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mangofish163/procurator/internal/api/handlers"
	apiMiddleware "github.com/mangofish163/procurator/internal/api/middleware"
	"github.com/mangofish163/procurator/internal/api/websocket"
	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/hooks"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/worker"
)

// Server is the broker's HTTP surface.
type Server struct {
	router       *chi.Mux
	config       *config.Config
	manager      *queue.Manager
	taskHandler  *handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
}

// NewServer wires the routes. bus may be nil (memory backend); the
// WebSocket feed is simply absent then.
func NewServer(cfg *config.Config, manager *queue.Manager, dispatcher *worker.Dispatcher, hk hooks.Hooks, bus events.Bus) *Server {
	adminHandler := handlers.NewAdminHandler(nil, nil)
	if sb := manager.StreamBackend(); sb != nil {
		adminHandler = handlers.NewAdminHandler(queue.NewDLQAdmin(sb), sb.Client())
	}

	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		manager:      manager,
		taskHandler:  handlers.NewTaskHandler(manager, dispatcher, hk),
		adminHandler: adminHandler,
	}

	if bus != nil {
		s.wsHub = websocket.NewHub(bus)
		s.wsHandler = websocket.NewHandler(s.wsHub)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	authCfg := &apiMiddleware.AuthConfig{
		Enabled:   s.config.Auth.Enabled,
		JWTSecret: s.config.Auth.JWTSecret,
		APIKeys:   make(map[string]bool, len(s.config.Auth.APIKeys)),
	}
	for _, key := range s.config.Auth.APIKeys {
		authCfg.APIKeys[key] = true
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		if s.config.Server.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Server.RateLimitRPS))
		}
		r.Use(apiMiddleware.Auth(authCfg))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Submit)
			r.Get("/{tid}", s.taskHandler.Get)
		})
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(apiMiddleware.Auth(authCfg))

		r.Get("/workers", s.adminHandler.ListWorkers)

		r.Route("/dlq/{queue}", func(r chi.Router) {
			r.Get("/", s.adminHandler.ListDLQ)
			r.Get("/{msgID}", s.adminHandler.InspectDLQ)
			r.Post("/{msgID}/replay", s.adminHandler.ReplayDLQ)
			// Purge is irreversible; admins only.
			r.With(apiMiddleware.RequireRole("admin")).Delete("/", s.adminHandler.PurgeDLQ)
		})
	})

	if s.wsHandler != nil {
		s.router.Get("/ws", s.wsHandler.ServeWS)
	}

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start attaches the WebSocket hub to the event bus, if any.
func (s *Server) Start(ctx context.Context) {
	if s.wsHub != nil {
		if err := s.wsHub.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("event feed unavailable")
		}
	}
}

// Stop stops the WebSocket hub, if any.
func (s *Server) Stop() {
	if s.wsHub != nil {
		s.wsHub.Stop()
	}
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
