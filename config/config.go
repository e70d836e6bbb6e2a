// Package config loads process configuration from SPARRING_* environment
// variables.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// engine
	EnginePath  string        `env:"SPARRING_ENGINE_PATH"`
	Workers     int           `env:"SPARRING_WORKERS" envDefault:"1"`
	SettleDelay time.Duration `env:"SPARRING_SETTLE_DELAY" envDefault:"100ms"`

	// server and remote workers
	Addr      string `env:"SPARRING_ADDR" envDefault:":8080"`
	ServerURL string `env:"SPARRING_SERVER_URL" envDefault:"http://localhost:8080"`
	DBPath    string `env:"SPARRING_DB_PATH" envDefault:"sparring.db"`
	QueueSize int    `env:"SPARRING_QUEUE_SIZE" envDefault:"100"`

	ProfilesPath string `env:"SPARRING_PROFILES"`
	GeminiAPIKey string `env:"SPARRING_GEMINI_API_KEY"`
	GeminiModel  string `env:"SPARRING_GEMINI_MODEL" envDefault:"gemini-2.0-flash"`

	LogLevel     string `env:"SPARRING_LOG_LEVEL" envDefault:"info"`
	LogJSON      bool   `env:"SPARRING_LOG_JSON" envDefault:"true"`
	OTelEndpoint string `env:"SPARRING_OTEL_ENDPOINT"`
}

// Load parses the environment and fills in the platform engine path when
// none is set.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.EnginePath == "" {
		cfg.EnginePath = DefaultEnginePath(runtime.GOOS)
	}
	if cfg.Workers < 1 {
		return Config{}, fmt.Errorf("SPARRING_WORKERS must be at least 1, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 1 {
		return Config{}, fmt.Errorf("SPARRING_QUEUE_SIZE must be at least 1, got %d", cfg.QueueSize)
	}
	return cfg, nil
}

// DefaultEnginePath is where a bundled stockfish build lives for goos.
func DefaultEnginePath(goos string) string {
	switch goos {
	case "windows":
		return "../stockfish/stockfish-windows-x86-64-avx2.exe"
	case "linux":
		return "../stockfish/stockfish-ubuntu-x86-64-avx512"
	default:
		return "stockfish"
	}
}
