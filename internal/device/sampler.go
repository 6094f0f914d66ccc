package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultFrameRate is reported by samples that cannot measure frame rate
const DefaultFrameRate = 30

// Config describes how to reach a camera
type Config struct {
	VenueID    string `json:"venue_id"`
	Name       string `json:"name,omitempty"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	HealthURL  string `json:"health_url,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Sampler performs a handshake with a camera
type Sampler interface {
	Sample(ctx context.Context, cfg Config) (Measurement, error)
}

// TCPSampler measures the time to open a TCP connection to the camera
type TCPSampler struct {
	FrameRate float64
}

// Sample dials the camera address
func (p *TCPSampler) Sample(ctx context.Context, cfg Config) (Measurement, error) {
	if cfg.Address == "" || cfg.Port <= 0 {
		return Measurement{}, ErrInvalidConfig
	}

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return Measurement{}, fmt.Errorf("failed to dial camera: %w", err)
	}
	latency := time.Since(start)
	_ = conn.Close()

	fps := p.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return Measurement{Latency: latency, FrameRate: fps, Resolution: cfg.Resolution}, nil
}

type healthResponse struct {
	FPS        float64 `json:"fps"`
	Resolution string  `json:"resolution"`
}

// HTTPSampler queries a camera health endpoint that may report its frame rate
type HTTPSampler struct {
	client    *resty.Client
	frameRate float64
}

// NewHTTPSampler creates an HTTP sampler
func NewHTTPSampler(frameRate float64) *HTTPSampler {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	return &HTTPSampler{
		client:    resty.New().SetHeader("Accept", "application/json"),
		frameRate: frameRate,
	}
}

// Sample fetches cfg.HealthURL
func (p *HTTPSampler) Sample(ctx context.Context, cfg Config) (Measurement, error) {
	if cfg.HealthURL == "" {
		return Measurement{}, ErrInvalidConfig
	}

	var body healthResponse
	req := p.client.R().SetContext(ctx).SetResult(&body)
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	start := time.Now()
	resp, err := req.Get(cfg.HealthURL)
	if err != nil {
		return Measurement{}, fmt.Errorf("failed to query camera health: %w", err)
	}
	if resp.IsError() {
		return Measurement{}, fmt.Errorf("camera health returned status %d", resp.StatusCode())
	}

	m := Measurement{Latency: time.Since(start), FrameRate: body.FPS, Resolution: body.Resolution}
	if m.FrameRate <= 0 {
		m.FrameRate = p.frameRate
	}
	if m.Resolution == "" {
		m.Resolution = cfg.Resolution
	}
	return m, nil
}

// AutoSampler uses the HTTP sampler when a health URL is configured and
// falls back to a TCP dial otherwise
type AutoSampler struct {
	TCP  Sampler
	HTTP Sampler
}

// NewAutoSampler creates a sampler with default TCP and HTTP samplers
func NewAutoSampler(frameRate float64) *AutoSampler {
	return &AutoSampler{
		TCP:  &TCPSampler{FrameRate: frameRate},
		HTTP: NewHTTPSampler(frameRate),
	}
}

// Sample dispatches on cfg
func (p *AutoSampler) Sample(ctx context.Context, cfg Config) (Measurement, error) {
	if cfg.HealthURL != "" {
		return p.HTTP.Sample(ctx, cfg)
	}
	return p.TCP.Sample(ctx, cfg)
}
