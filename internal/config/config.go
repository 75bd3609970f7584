// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every runtime setting. There is no configuration file.
type Config struct {
	Port                string        `validate:"required,numeric"`
	LandmarkServiceAddr string        `validate:"required"`
	ScoringMode         string        `validate:"oneof=normalized ratio"`
	ResponseFormat      string        `validate:"oneof=json image"`
	MaxUploadBytes      int64         `validate:"min=1"`
	MaxImagePixels      int64         `validate:"min=1"`
	MaxConcurrent       int           `validate:"min=1"`
	ProcessTimeout      time.Duration `validate:"gt=0"`
	OracleDialTimeout   time.Duration `validate:"gt=0"`
	OracleReadyAttempts int           `validate:"min=1"`
	ShutdownTimeout     time.Duration `validate:"gt=0"`
	TempDir             string        `validate:"required"`
	JPEGQuality         int           `validate:"min=1,max=100"`
	LogLevel            string        `validate:"oneof=debug info warn error"`
	LogFile             string
}

// Defaults returns the configuration used when no variables are set.
func Defaults() Config {
	return Config{
		Port:                "8080",
		LandmarkServiceAddr: "landmark-service:50051",
		ScoringMode:         "normalized",
		ResponseFormat:      "json",
		MaxUploadBytes:      10 << 20,
		MaxImagePixels:      50_000_000,
		MaxConcurrent:       runtime.NumCPU(),
		ProcessTimeout:      30 * time.Second,
		OracleDialTimeout:   5 * time.Second,
		OracleReadyAttempts: 5,
		ShutdownTimeout:     15 * time.Second,
		TempDir:             os.TempDir(),
		JPEGQuality:         90,
		LogLevel:            "info",
	}
}

// Load reads the environment on top of Defaults and validates the result.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	env := &reader{getenv: getenv}

	cfg.Port = env.str("PORT", cfg.Port)
	cfg.LandmarkServiceAddr = env.str("LANDMARK_SERVICE_ADDR", cfg.LandmarkServiceAddr)
	cfg.ScoringMode = env.str("SCORING_MODE", cfg.ScoringMode)
	cfg.ResponseFormat = env.str("RESPONSE_FORMAT", cfg.ResponseFormat)
	cfg.MaxUploadBytes = env.int64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.MaxImagePixels = env.int64("MAX_IMAGE_PIXELS", cfg.MaxImagePixels)
	cfg.MaxConcurrent = int(env.int64("MAX_CONCURRENT_DETECTIONS", int64(cfg.MaxConcurrent)))
	cfg.ProcessTimeout = env.duration("PROCESS_TIMEOUT", cfg.ProcessTimeout)
	cfg.OracleDialTimeout = env.duration("ORACLE_DIAL_TIMEOUT", cfg.OracleDialTimeout)
	cfg.OracleReadyAttempts = int(env.int64("ORACLE_READY_ATTEMPTS", int64(cfg.OracleReadyAttempts)))
	cfg.ShutdownTimeout = env.duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.TempDir = env.str("TEMP_DIR", cfg.TempDir)
	cfg.JPEGQuality = int(env.int64("JPEG_QUALITY", int64(cfg.JPEGQuality)))
	cfg.LogLevel = env.str("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = env.str("LOG_FILE", cfg.LogFile)

	if env.err != nil {
		return cfg, env.err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints, the port range and the oracle target.
// The target is any gRPC dial target, so dns:/// and unix:// schemes pass.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if strings.TrimSpace(c.LandmarkServiceAddr) != c.LandmarkServiceAddr || strings.ContainsAny(c.LandmarkServiceAddr, " \t") {
		return fmt.Errorf("invalid configuration: LandmarkServiceAddr %q contains whitespace", c.LandmarkServiceAddr)
	}
	port, _ := strconv.Atoi(c.Port)
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid configuration: port %s out of range", c.Port)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

// reader records the first parse error so Load can report it after reading every variable.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, fallback string) string {
	if value := r.getenv(key); value != "" {
		return value
	}
	return fallback
}

func (r *reader) int64(key string, fallback int64) int64 {
	value := r.getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}
	return n
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	value := r.getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}
	return d
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
