package config

import (
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/redis"
	"github.com/syncguard/syncguard/internal/infra/storage/postgres"
	"github.com/syncguard/syncguard/internal/refresh"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig                        `yaml:"server"`
	Database  postgres.Config                     `yaml:"database"`
	Redis     redis.Config                        `yaml:"redis"`
	Logging   LoggingConfig                       `yaml:"logging"`
	Providers map[domain.Provider]refresh.Endpoint `yaml:"providers"`

	// MigrationsDir points at the goose SQL migrations. Empty skips
	// migrations on startup.
	MigrationsDir string `yaml:"migrations_dir"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
