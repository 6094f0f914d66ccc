package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete process configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          LogConfig          `mapstructure:"log"`
	NATS         NATSConfig         `mapstructure:"nats"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Storage      StorageConfig      `mapstructure:"storage"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Tracking     TrackingConfig     `mapstructure:"tracking"`
	Devices      DevicesConfig      `mapstructure:"devices"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// AppConfig holds process identity
type AppConfig struct {
	Name        string        `mapstructure:"name"`
	AutoStart   bool          `mapstructure:"auto_start"`
	VenueIDs    []string      `mapstructure:"venue_ids"`
	MetricsTick time.Duration `mapstructure:"metrics_interval"`
}

// LogConfig selects the logger level and encoding
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RelayBroadcast bool          `mapstructure:"relay_broadcast"`
}

// MQTTConfig configures the edge ingestion broker
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
}

// RedisConfig configures the presence snapshot cache
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// HTTPConfig configures the operator API
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertsConfig configures the alert lifecycle engine
type AlertsConfig struct {
	EvaluationInterval    time.Duration `mapstructure:"evaluation_interval"`
	MissingThreshold      time.Duration `mapstructure:"missing_threshold"`
	EscalationThreshold   time.Duration `mapstructure:"escalation_threshold"`
	StaleEscalationWindow time.Duration `mapstructure:"stale_escalation_window"`
	DetectionMaxAge       time.Duration `mapstructure:"detection_max_age"`
	DetectionBatchSize    int           `mapstructure:"detection_batch_size"`
	NotificationRetention time.Duration `mapstructure:"notification_retention"`
	DetectedAutoResolve   time.Duration `mapstructure:"detected_auto_resolve"`
}

// TrackingConfig configures the presence tracker
type TrackingConfig struct {
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	CapacityThreshold float64       `mapstructure:"capacity_threshold"`
	LowConfidence     float64       `mapstructure:"low_confidence"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	DefaultCapacity   int           `mapstructure:"default_capacity"`
}

// DevicesConfig configures the device health monitor
type DevicesConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	SampleTimeout     time.Duration `mapstructure:"sample_timeout"`
	MaxErrors         int           `mapstructure:"max_errors"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	NominalFrameRate  float64       `mapstructure:"nominal_frame_rate"`
}

// OrchestratorConfig configures per-venue supervision
type OrchestratorConfig struct {
	StatusInterval     time.Duration `mapstructure:"status_interval"`
	AlertCleanupTick   time.Duration `mapstructure:"alert_cleanup_interval"`
	AcknowledgedMaxAge time.Duration `mapstructure:"acknowledged_max_age"`
}

// BroadcastConfig configures the live broadcaster
type BroadcastConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	InactiveAfter time.Duration `mapstructure:"inactive_after"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// NotificationConfig configures channel senders
type NotificationConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Email       EmailConfig   `mapstructure:"email"`
	Twilio      TwilioConfig  `mapstructure:"twilio"`
	Push        PushConfig    `mapstructure:"push"`
}

// EmailConfig holds SMTP credentials
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TwilioConfig holds SMS and voice provider credentials
type TwilioConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
}

// PushConfig holds push provider credentials
type PushConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	ServerKey string `mapstructure:"server_key"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "venueguard")
	v.SetDefault("app.auto_start", true)
	v.SetDefault("app.metrics_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.relay_broadcast", false)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "venueguard")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "venueguard.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("alerts.evaluation_interval", "30s")
	v.SetDefault("alerts.missing_threshold", "30m")
	v.SetDefault("alerts.escalation_threshold", "60m")
	v.SetDefault("alerts.stale_escalation_window", "10m")
	v.SetDefault("alerts.detection_max_age", "1h")
	v.SetDefault("alerts.detection_batch_size", 10)
	v.SetDefault("alerts.notification_retention", "720h")
	v.SetDefault("alerts.detected_auto_resolve", "24h")

	v.SetDefault("tracking.refresh_interval", "5s")
	v.SetDefault("tracking.capacity_threshold", 0.9)
	v.SetDefault("tracking.low_confidence", 0.8)
	v.SetDefault("tracking.stale_after", "30m")
	v.SetDefault("tracking.default_capacity", 20)

	v.SetDefault("devices.heartbeat_interval", "5s")
	v.SetDefault("devices.connect_timeout", "5s")
	v.SetDefault("devices.sample_timeout", "3s")
	v.SetDefault("devices.max_errors", 3)
	v.SetDefault("devices.connect_attempts", 3)
	v.SetDefault("devices.nominal_frame_rate", 30)

	v.SetDefault("orchestrator.status_interval", "10s")
	v.SetDefault("orchestrator.alert_cleanup_interval", "5m")
	v.SetDefault("orchestrator.acknowledged_max_age", "24h")

	v.SetDefault("broadcast.queue_size", 64)
	v.SetDefault("broadcast.inactive_after", "30m")
	v.SetDefault("broadcast.reap_interval", "1m")
	v.SetDefault("broadcast.write_timeout", "5s")

	v.SetDefault("notification.concurrency", 8)
	v.SetDefault("notification.send_timeout", "10s")
	v.SetDefault("notification.email.port", 587)
	v.SetDefault("notification.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("notification.push.endpoint", "https://fcm.googleapis.com/fcm/send")
}

// Load reads configuration from the config file, .env and the environment.
// A missing config file is not an error; defaults and environment apply.
func Load(paths ...string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("VENUEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"alerts.evaluation_interval":     c.Alerts.EvaluationInterval,
		"alerts.missing_threshold":       c.Alerts.MissingThreshold,
		"alerts.escalation_threshold":    c.Alerts.EscalationThreshold,
		"alerts.stale_escalation_window": c.Alerts.StaleEscalationWindow,
		"tracking.refresh_interval":      c.Tracking.RefreshInterval,
		"devices.heartbeat_interval":     c.Devices.HeartbeatInterval,
		"devices.sample_timeout":         c.Devices.SampleTimeout,
		"orchestrator.status_interval":   c.Orchestrator.StatusInterval,
		"broadcast.inactive_after":       c.Broadcast.InactiveAfter,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
		}
	}

	if c.Alerts.EscalationThreshold < c.Alerts.MissingThreshold {
		return fmt.Errorf("%w: alerts.escalation_threshold must not be below alerts.missing_threshold", ErrInvalidConfig)
	}
	if c.Tracking.CapacityThreshold <= 0 || c.Tracking.CapacityThreshold > 1 {
		return fmt.Errorf("%w: tracking.capacity_threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Devices.MaxErrors < 1 {
		return fmt.Errorf("%w: devices.max_errors must be at least 1", ErrInvalidConfig)
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unsupported storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	return nil
}

// ErrInvalidConfig is returned when configuration values are out of range
var ErrInvalidConfig = errors.New("invalid config")
