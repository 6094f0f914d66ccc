package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/ingest"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/tracking"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	System    model.SystemStatistics   `json:"system"`
	Tracking  model.TrackingStatistics `json:"tracking"`
	Broadcast broadcast.Stats          `json:"broadcast"`
	Venues    []model.VenueStatus      `json:"venues"`
}

type actionRequest struct {
	By         string `json:"by"`
	Resolution string `json:"resolution"`
	Reason     string `json:"reason"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// serveWS upgrades a live viewer. Query: client_id, topic (repeatable or
// comma separated) and zones (comma separated) narrowing venue topics.
func (s *Server) serveWS(c *gin.Context) {
	if s.deps.Hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "broadcast disabled"})
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	topics := splitQuery(c.QueryArray("topic"))
	if len(topics) == 0 {
		topics = []string{broadcast.TopicSystem}
	}
	zones := splitQuery(c.QueryArray("zones"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	var filter *broadcast.Filter
	if len(zones) > 0 {
		filter = &broadcast.Filter{ZoneIDs: zones}
	}

	s.logger.Debug("Websocket client connected",
		zap.String("client_id", clientID),
		zap.Strings("topics", topics))
	s.deps.Hub.ServeConn(conn, clientID, topics, filter)
}

func (s *Server) stats(c *gin.Context) {
	resp := StatsResponse{
		System: s.deps.Venues.Statistics(),
		Venues: s.deps.Venues.ActiveVenues(),
	}
	if s.deps.Tracking != nil {
		resp.Tracking = s.deps.Tracking.Statistics()
	}
	if s.deps.Hub != nil {
		resp.Broadcast = s.deps.Hub.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startVenue(c *gin.Context) {
	status, err := s.deps.Venues.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) stopVenue(c *gin.Context) {
	if err := s.deps.Venues.Stop(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"venue_id": c.Param("id"), "stopped": true})
}

func (s *Server) venueStatus(c *gin.Context) {
	status, err := s.deps.Venues.VenueStatus(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// venueTracking serves live state, falling back to the cached snapshot for
// venues this instance does not track
func (s *Server) venueTracking(c *gin.Context) {
	venueID := c.Param("id")
	snapshot, err := s.deps.Tracking.VenueTracking(venueID)
	if errors.Is(err, tracking.ErrVenueNotTracked) {
		snapshot, err = s.deps.Tracking.CachedVenueTracking(c.Request.Context(), venueID)
		if errors.Is(err, tracking.ErrCacheMiss) {
			err = tracking.ErrVenueNotTracked
		}
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) systemAlerts(c *gin.Context) {
	alerts, err := s.deps.Venues.SystemAlerts(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) acknowledgeSystemAlert(c *gin.Context) {
	alert, err := s.deps.Venues.AcknowledgeSystemAlert(c.Param("id"), c.Param("alertId"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	var req actionRequest
	if !bindOptional(c, &req) {
		return
	}
	alert, err := s.deps.Alerts.Acknowledge(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) resolveAlert(c *gin.Context) {
	var req actionRequest
	if !bindOptional(c, &req) {
		return
	}
	alert, err := s.deps.Alerts.Resolve(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) reopenAlert(c *gin.Context) {
	var req actionRequest
	if !bindOptional(c, &req) {
		return
	}
	alert, err := s.deps.Alerts.Reopen(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) alertTimeline(c *gin.Context) {
	entries, err := s.deps.Alerts.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) testDevice(c *gin.Context) {
	var cfg device.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		abort(c, fmt.Errorf("%w: %v", device.ErrInvalidConfig, err))
		return
	}
	c.JSON(http.StatusOK, s.deps.Devices.TestConfiguration(c.Request.Context(), cfg))
}

func (s *Server) postDetection(c *gin.Context) {
	var ev ingest.DetectionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		abort(c, fmt.Errorf("%w: %v", ingest.ErrInvalidEvent, err))
		return
	}
	detection, err := s.deps.Ingest.HandleDetection(c.Request.Context(), ev)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, detection)
}

func (s *Server) postSighting(c *gin.Context) {
	var ev ingest.RecognitionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		abort(c, fmt.Errorf("%w: %v", ingest.ErrInvalidEvent, err))
		return
	}
	sighting, err := s.deps.Ingest.Handle(c.Request.Context(), ev)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sighting)
}

// bindOptional decodes a JSON body when one is present
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func splitQuery(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
