package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Stream        StreamConfig        `yaml:"stream"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Camera        CameraConfig        `yaml:"camera"`
	HTTP          HTTPConfig          `yaml:"http"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Log           LogConfig           `yaml:"log"`
}

// BackendConfig holds the processing backend's base URLs.
type BackendConfig struct {
	APIBase string `yaml:"api_base"`
	// WSBase defaults to APIBase with the scheme switched to ws/wss.
	WSBase      string `yaml:"ws_base"`
	InsecureTLS bool   `yaml:"insecure_tls"`
}

// StreamConfig tunes the frame transport sockets.
type StreamConfig struct {
	FrameInterval        time.Duration `yaml:"frame_interval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	EventActionTTL       time.Duration `yaml:"event_action_ttl"`
	JPEGQuality          int           `yaml:"jpeg_quality"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// NotificationsConfig tunes the event bus channel.
type NotificationsConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxRetained    int           `yaml:"max_retained"`
}

// CameraConfig selects the media backend and the session retry policy.
type CameraConfig struct {
	// Backend is "mediadevices" or "none".
	Backend          string        `yaml:"backend"`
	InternalDeviceID string        `yaml:"internal_device_id"`
	ExternalDeviceID string        `yaml:"external_device_id"`
	AutoStart        bool          `yaml:"auto_start"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryCooldown    time.Duration `yaml:"retry_cooldown"`
	RetryResetPeriod time.Duration `yaml:"retry_reset_period"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	HiveName    string `yaml:"hive_name"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Stream: StreamConfig{
			FrameInterval:        100 * time.Millisecond,
			HeartbeatInterval:    10 * time.Second,
			PongTimeout:          15 * time.Second,
			EventActionTTL:       3 * time.Second,
			JPEGQuality:          80,
			ReconnectBase:        time.Second,
			ReconnectMax:         30 * time.Second,
			MaxReconnectAttempts: 5,
		},
		Notifications: NotificationsConfig{
			ReconnectDelay: 5 * time.Second,
			MaxRetained:    50,
		},
		Camera: CameraConfig{
			Backend:          "mediadevices",
			MaxRetries:       2,
			RetryCooldown:    5 * time.Second,
			RetryResetPeriod: 30 * time.Second,
			SettleDelay:      time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "beewatch",
			DeviceID:    "beewatch_01",
			HiveName:    "Hive",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if cfg.Backend.WSBase == "" {
		cfg.Backend.WSBase = cfg.Backend.APIBase
	}
	return cfg, nil
}

// Validate reports every missing URL and non-positive tunable at once.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.APIBase == "" {
		errs = append(errs, errors.New("backend.api_base is required"))
	}
	if c.Backend.WSBase == "" {
		errs = append(errs, errors.New("backend.ws_base is required"))
	}
	positive := []struct {
		name string
		v    time.Duration
	}{
		{"stream.frame_interval", c.Stream.FrameInterval},
		{"stream.heartbeat_interval", c.Stream.HeartbeatInterval},
		{"stream.pong_timeout", c.Stream.PongTimeout},
		{"stream.event_action_ttl", c.Stream.EventActionTTL},
		{"stream.reconnect_base", c.Stream.ReconnectBase},
		{"stream.reconnect_max", c.Stream.ReconnectMax},
		{"notifications.reconnect_delay", c.Notifications.ReconnectDelay},
		{"camera.retry_cooldown", c.Camera.RetryCooldown},
		{"camera.retry_reset_period", c.Camera.RetryResetPeriod},
		{"camera.settle_delay", c.Camera.SettleDelay},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errs = append(errs, errors.New("stream.jpeg_quality must be within 1..100"))
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("stream.max_reconnect_attempts must be positive"))
	}
	if c.Notifications.MaxRetained <= 0 {
		errs = append(errs, errors.New("notifications.max_retained must be positive"))
	}
	if c.Camera.MaxRetries <= 0 {
		errs = append(errs, errors.New("camera.max_retries must be positive"))
	}
	switch c.Camera.Backend {
	case "mediadevices", "none":
	default:
		errs = append(errs, fmt.Errorf("camera.backend %q is not one of mediadevices, none", c.Camera.Backend))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BEEWATCH_API_BASE"); v != "" {
		cfg.Backend.APIBase = v
	}
	if v := os.Getenv("BEEWATCH_WS_BASE"); v != "" {
		cfg.Backend.WSBase = v
	}
	if v := os.Getenv("BEEWATCH_INSECURE_TLS"); v != "" {
		cfg.Backend.InsecureTLS = parseBool(v)
	}
	if v := os.Getenv("BEEWATCH_FRAME_INTERVAL"); v != "" {
		setDuration(&cfg.Stream.FrameInterval, v)
	}
	if v := os.Getenv("BEEWATCH_RECONNECT_DELAY"); v != "" {
		setDuration(&cfg.Notifications.ReconnectDelay, v)
	}
	if v := os.Getenv("BEEWATCH_MAX_NOTIFICATIONS"); v != "" {
		setInt(&cfg.Notifications.MaxRetained, v)
	}
	if v := os.Getenv("BEEWATCH_CAMERA_BACKEND"); v != "" {
		cfg.Camera.Backend = v
	}
	if v := os.Getenv("BEEWATCH_INTERNAL_CAMERA"); v != "" {
		cfg.Camera.InternalDeviceID = v
	}
	if v := os.Getenv("BEEWATCH_EXTERNAL_CAMERA"); v != "" {
		cfg.Camera.ExternalDeviceID = v
	}
	if v := os.Getenv("BEEWATCH_AUTO_START"); v != "" {
		cfg.Camera.AutoStart = parseBool(v)
	}
	if v := os.Getenv("BEEWATCH_MAX_RETRIES"); v != "" {
		setInt(&cfg.Camera.MaxRetries, v)
	}
	if v := os.Getenv("BEEWATCH_RETRY_COOLDOWN"); v != "" {
		setDuration(&cfg.Camera.RetryCooldown, v)
	}
	if v := os.Getenv("BEEWATCH_RETRY_RESET_PERIOD"); v != "" {
		setDuration(&cfg.Camera.RetryResetPeriod, v)
	}
	if v := os.Getenv("BEEWATCH_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BEEWATCH_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("BEEWATCH_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("BEEWATCH_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("BEEWATCH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BEEWATCH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BEEWATCH_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("BEEWATCH_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("BEEWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BEEWATCH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

// setDuration accepts Go durations ("5s") and bare milliseconds ("5000").
func setDuration(dst *time.Duration, s string) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
	}
}

func setInt(dst *int, s string) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*dst = n
	}
}
