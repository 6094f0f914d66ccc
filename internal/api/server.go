package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/ingest"
	"github.com/t77yq/venueguard/internal/model"
)

// Venues controls monitoring loops
type Venues interface {
	Start(ctx context.Context, venueID string) (model.VenueStatus, error)
	Stop(ctx context.Context, venueID string) error
	VenueStatus(venueID string) (model.VenueStatus, error)
	ActiveVenues() []model.VenueStatus
	SystemAlerts(venueID string) ([]model.SystemHealthAlert, error)
	AcknowledgeSystemAlert(venueID, alertID string) (model.SystemHealthAlert, error)
	Statistics() model.SystemStatistics
}

// Tracking exposes presence snapshots
type Tracking interface {
	VenueTracking(venueID string) (model.VenueTracking, error)
	CachedVenueTracking(ctx context.Context, venueID string) (model.VenueTracking, error)
	Statistics() model.TrackingStatistics
}

// Alerts exposes operator alert actions
type Alerts interface {
	Acknowledge(ctx context.Context, alertID, by string) (*model.Alert, error)
	Resolve(ctx context.Context, alertID, resolution string) (*model.Alert, error)
	Reopen(ctx context.Context, alertID, reason string) (*model.Alert, error)
	Timeline(ctx context.Context, alertID string) ([]*model.TimelineEntry, error)
}

// DeviceTester validates camera configurations
type DeviceTester interface {
	TestConfiguration(ctx context.Context, cfg device.Config) device.TestResult
}

// Ingest accepts events posted over HTTP
type Ingest interface {
	Handle(ctx context.Context, ev ingest.RecognitionEvent) (*model.Sighting, error)
	HandleDetection(ctx context.Context, ev ingest.DetectionEvent) (*model.Detection, error)
}

// Deps are the services behind the API
type Deps struct {
	Venues   Venues
	Tracking Tracking
	Alerts   Alerts
	Devices  DeviceTester
	Ingest   Ingest
	Hub      *broadcast.Hub
}

// Config configures the HTTP server
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server is the operator and live viewer HTTP surface
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a server with all routes registered
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: gin.New(),
		logger: logger.Named("api"),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.cfg.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/ws", s.serveWS)

	api := s.router.Group("/api")
	api.GET("/stats", s.stats)

	venues := api.Group("/venues/:id")
	venues.POST("/start", s.startVenue)
	venues.POST("/stop", s.stopVenue)
	venues.GET("/status", s.venueStatus)
	venues.GET("/tracking", s.venueTracking)
	venues.GET("/system-alerts", s.systemAlerts)
	venues.POST("/system-alerts/:alertId/ack", s.acknowledgeSystemAlert)

	alerts := api.Group("/alerts/:id")
	alerts.POST("/acknowledge", s.acknowledgeAlert)
	alerts.POST("/resolve", s.resolveAlert)
	alerts.POST("/reopen", s.reopenAlert)
	alerts.GET("/timeline", s.alertTimeline)

	api.POST("/devices/test", s.testDevice)
	api.POST("/detections", s.postDetection)
	api.POST("/sightings", s.postSighting)
}
