package web

import (
	"fmt"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"syncml/agent"
	"syncml/models"
)

// NewServer creates and configures the RWeb server
func NewServer(cfg *models.Config, local *models.Adapter, agents map[string]agent.Agent) *rweb.Server {
	// Create server instance with options
	s := rweb.NewServer(rweb.ServerOptions{
		Address: fmt.Sprintf(":%d", cfg.Port),
		Verbose: true,
	})

	// Apply middleware
	s.Use(rweb.RequestInfo)          // Logs request info
	s.Use(CorsMiddleware)            // Custom CORS middleware
	s.Use(SecurityHeadersMiddleware) // Security headers
	s.Use(JWTAuthMiddleware)         // Bearer token identity for the admin API
	s.Use(LoggingMiddleware)         // Request logging

	h := newSyncHandler(cfg, local, agents)

	// Setup routes
	setupRoutes(s, h)

	// Favicon
	SetupStaticFiles(s)

	return s
}

// Run starts the server
func Run(s *rweb.Server, port int) error {
	logger.Info("SyncML server starting", "address", fmt.Sprintf(":%d", port))
	return s.Run()
}
