// Package config loads service configuration from an optional YAML file overlaid by
// environment variables.
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

// ErrMissingMapboxToken is the one configuration error the service refuses to start with.
var ErrMissingMapboxToken = errors.New("MAPBOX_ACCESS_TOKEN is required")

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	DBMigrate   bool   `yaml:"db_migrate"`
	RedisURL    string `yaml:"redis_url"`
	InstanceID  string `yaml:"instance_id"`

	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Mapbox   MapboxConfig   `yaml:"mapbox"`
	SMS      SMSConfig      `yaml:"sms"`
	Tracking TrackingConfig `yaml:"tracking"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig selects how bearer credentials are verified: dev (role:id tokens) or hmac (HS256 JWT).
type AuthConfig struct {
	Mode        string `yaml:"mode"`
	HMACSecret  string `yaml:"hmac_secret"`
	RoleClaim   string `yaml:"role_claim"`
	DriverClaim string `yaml:"driver_claim"`
}

type MapboxConfig struct {
	AccessToken string        `yaml:"access_token"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type SMSConfig struct {
	Transport        string `yaml:"transport"` // twilio, amqp, none
	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFrom       string `yaml:"twilio_from"`
	TwilioBaseURL    string `yaml:"twilio_base_url"`
	AMQPURL          string `yaml:"amqp_url"`
	AMQPQueue        string `yaml:"amqp_queue"`
	MaxAttempts      int    `yaml:"max_attempts"`
	QueueSize        int    `yaml:"queue_size"`
}

type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
}

type RealtimeConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteWait        time.Duration `yaml:"write_wait"`
	SendBuffer       int           `yaml:"send_buffer"`
	DriverRatePerSec float64       `yaml:"driver_rate_per_sec"`
	DriverRateBurst  int           `yaml:"driver_rate_burst"`
}

// Default returns the configuration used when neither file nor environment set a value.
func Default() Config {
	return Config{
		Port:      "8080",
		DBMigrate: true,
		Log:       LogConfig{Level: "info", JSON: true},
		Auth:      AuthConfig{Mode: "dev", RoleClaim: "role", DriverClaim: "sub"},
		Mapbox:    MapboxConfig{BaseURL: "https://api.mapbox.com", Timeout: 10 * time.Second},
		SMS: SMSConfig{
			Transport:     "none",
			TwilioBaseURL: "https://api.twilio.com",
			AMQPQueue:     "sms.outbound",
			MaxAttempts:   5,
			QueueSize:     256,
		},
		Tracking: TrackingConfig{BaseURL: "http://localhost:3000/track"},
		Realtime: RealtimeConfig{
			PingInterval:     30 * time.Second,
			PongWait:         60 * time.Second,
			WriteWait:        10 * time.Second,
			SendBuffer:       256,
			DriverRatePerSec: 5,
			DriverRateBurst:  10,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment overrides.
// The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Mapbox.AccessToken) == "" {
		return ErrMissingMapboxToken
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return errors.New("AUTH_HMAC_SECRET is required when AUTH_MODE=hmac")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.Auth.Mode)
	}
	switch c.SMS.Transport {
	case "none", "":
	case "twilio":
		if c.SMS.TwilioAccountSID == "" || c.SMS.TwilioAuthToken == "" || c.SMS.TwilioFrom == "" {
			return errors.New("twilio sms transport requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM")
		}
	case "amqp":
		if c.SMS.AMQPURL == "" {
			return errors.New("amqp sms transport requires AMQP_URL")
		}
	default:
		return fmt.Errorf("unsupported SMS_TRANSPORT %q", c.SMS.Transport)
	}
	if c.Realtime.PongWait <= c.Realtime.PingInterval {
		return errors.New("WS_PONG_WAIT must be longer than WS_PING_INTERVAL")
	}
	return nil
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("INSTANCE_ID", &c.InstanceID)
	str("LOG_LEVEL", &c.Log.Level)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("AUTH_ROLE_CLAIM", &c.Auth.RoleClaim)
	str("AUTH_DRIVER_CLAIM", &c.Auth.DriverClaim)
	str("MAPBOX_ACCESS_TOKEN", &c.Mapbox.AccessToken)
	str("MAPBOX_BASE_URL", &c.Mapbox.BaseURL)
	str("TWILIO_ACCOUNT_SID", &c.SMS.TwilioAccountSID)
	str("TWILIO_AUTH_TOKEN", &c.SMS.TwilioAuthToken)
	str("TWILIO_FROM", &c.SMS.TwilioFrom)
	str("TWILIO_BASE_URL", &c.SMS.TwilioBaseURL)
	str("AMQP_URL", &c.SMS.AMQPURL)
	str("AMQP_SMS_QUEUE", &c.SMS.AMQPQueue)
	str("TRACKING_BASE_URL", &c.Tracking.BaseURL)
	if v := os.Getenv("AUTH_MODE"); v != "" {
		c.Auth.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("SMS_TRANSPORT"); v != "" {
		c.SMS.Transport = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("DB_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DB_MIGRATE must be a boolean: %w", err)
		}
		c.DBMigrate = b
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_JSON must be a boolean: %w", err)
		}
		c.Log.JSON = b
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MAPBOX_TIMEOUT", &c.Mapbox.Timeout},
		{"WS_PING_INTERVAL", &c.Realtime.PingInterval},
		{"WS_PONG_WAIT", &c.Realtime.PongWait},
		{"WS_WRITE_WAIT", &c.Realtime.WriteWait},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s must be a duration (e.g. 30s): %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SMS_MAX_ATTEMPTS", &c.SMS.MaxAttempts},
		{"SMS_QUEUE_SIZE", &c.SMS.QueueSize},
		{"WS_SEND_BUFFER", &c.Realtime.SendBuffer},
		{"DRIVER_RATE_BURST", &c.Realtime.DriverRateBurst},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("%s must be a positive integer", i.key)
			}
			*i.dst = n
		}
	}
	if v := os.Getenv("DRIVER_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("DRIVER_RATE_PER_SEC must be a positive number")
		}
		c.Realtime.DriverRatePerSec = f
	}
	return nil
}
