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

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	DatabaseURL              string   `yaml:"databaseURL"`
	JWTSecret                string   `yaml:"jwtSecret"`
	JWTIssuer                string   `yaml:"jwtIssuer"`
	JWTAudience              string   `yaml:"jwtAudience"`
	SessionTTL               string   `yaml:"sessionTTL"`
	AllowedOrigins           []string `yaml:"allowedOrigins"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int      `yaml:"loginRateLimitPerMinute"`
	MinioEndpoint            string   `yaml:"minioEndpoint"`
	MinioAccessKey           string   `yaml:"minioAccessKey"`
	MinioSecretKey           string   `yaml:"minioSecretKey"`
	MinioBucket              string   `yaml:"minioBucket"`
	MinioUseSSL              bool     `yaml:"minioUseSSL"`
	MediaPublicBaseURL       string   `yaml:"mediaPublicBaseURL"`
	MaxImageBytes            int64    `yaml:"maxImageBytes"`
	AMQPURL                  string   `yaml:"amqpURL"`
	EventsExchange           string   `yaml:"eventsExchange"`
	EventsStream             string   `yaml:"eventsStream"`
	SocketRequireToken       bool     `yaml:"socketRequireToken"`
}

// PathFromEnv returns CONFIG_PATH when set, otherwise ConfigPath.
func PathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides. A missing file is not an error when the
// environment supplies everything required.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("CLIENT_URL")); v != "" {
		cfg.AllowedOrigins = appendUnique(cfg.AllowedOrigins, v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("MEDIA_PUBLIC_BASE_URL"); v != "" {
		cfg.MediaPublicBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MAX_IMAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxImageBytes = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("EVENTS_EXCHANGE"); v != "" {
		cfg.EventsExchange = strings.TrimSpace(v)
	}
	if v := os.Getenv("EVENTS_STREAM"); v != "" {
		cfg.EventsStream = strings.TrimSpace(v)
	}
	if v := os.Getenv("SOCKET_REQUIRE_TOKEN"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.SocketRequireToken = b
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxImageBytes < 0 {
		return errors.New("config: maxImageBytes must be >= 0")
	}
	if cfg.MinioEndpoint != "" {
		if cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioEndpoint requires minioBucket, minioAccessKey and minioSecretKey")
		}
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid sessionTTL duration: %s is negative", ttlStr)
	}
	return dur, nil
}
