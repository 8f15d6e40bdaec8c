package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/querybridge/querybridge/core/logging"
)

// Server wraps the chi router and the underlying http.Server
type Server struct {
	router *chi.Mux
	server *http.Server
	port   string
	log    *logging.Logger
}

// NewServer builds the router with the standard middleware chain
func NewServer(port string, readTimeout time.Duration) *Server {
	if port == "" {
		port = "8080"
	}
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(Metrics)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Credential-Id"},
		ExposedHeaders:   []string{"Link", "X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	return &Server{
		router: r,
		port:   port,
		log:    logging.New("http"),
		server: &http.Server{
			Addr:        ":" + port,
			Handler:     r,
			ReadTimeout: readTimeout,
			IdleTimeout: 60 * time.Second,
		},
	}
}

// Router returns the chi router for route registration
func (s *Server) Router() *chi.Mux {
	return s.router
}

// StartAsync starts serving without blocking
func (s *Server) StartAsync() {
	s.log.Infof("Starting HTTP server on port %s", s.port)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully, force-closing on timeout
func (s *Server) Stop(grace time.Duration) error {
	s.log.Info("Shutting down HTTP server")
	if grace <= 0 {
		grace = 15 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Errorf("Error shutting down HTTP server: %v", err)
		if closeErr := s.server.Close(); closeErr != nil {
			s.log.Errorf("Error force closing HTTP server: %v", closeErr)
		}
		return err
	}

	s.log.Info("HTTP server stopped")
	return nil
}
