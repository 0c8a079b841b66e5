package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Bus      BusConfig
	Webhook  WebhookConfig
	SignWell SignWellConfig
	Email    EmailConfig
	App      AppConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Address string
	BaseURL string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver         string // "postgres" or "sqlite"
	URL            string // full connection URL, overrides the discrete fields
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MigrationsPath string
}

// BusConfig holds event bus configuration. URL is accepted for forward
// compatibility with an external broker; the current engine is in-process.
type BusConfig struct {
	URL        string
	QueueDepth int
}

// WebhookConfig holds webhook ingress configuration
type WebhookConfig struct {
	SharedSecret string
}

// SignWellConfig holds e-signature provider configuration
type SignWellConfig struct {
	BaseURL    string
	APIKey     string
	TemplateID string
}

// EmailConfig holds SMTP configuration for the notification dispatcher.
// An empty host disables outbound email entirely.
type EmailConfig struct {
	FromAddress  string
	FromName     string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment       string
	MaxSchedulingDays int
	DefaultTimezone   string
	CORSOrigins       []string
}

// ConnectionString returns the database connection string
func (d DatabaseConfig) ConnectionString() string {
	if d.URL != "" {
		return strings.TrimPrefix(d.URL, "sqlite://")
	}
	if d.Driver == "sqlite" {
		return d.Name // For SQLite, Name is the file path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
			BaseURL: getEnv("BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Driver:         getEnv("DB_DRIVER", "sqlite"),
			URL:            getEnv("DATABASE_URL", ""),
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvInt("DB_PORT", 5432),
			User:           getEnv("DB_USER", "holdfast"),
			Password:       getEnv("DB_PASSWORD", "holdfast"),
			Name:           getEnv("DB_NAME", "holdfast.db"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Bus: BusConfig{
			URL:        getEnv("BUS_URL", ""),
			QueueDepth: getEnvInt("BUS_QUEUE_DEPTH", 256),
		},
		Webhook: WebhookConfig{
			SharedSecret: getEnv("WEBHOOK_SHARED_SECRET", ""),
		},
		SignWell: SignWellConfig{
			BaseURL:    getEnv("SIGNWELL_BASE_URL", "https://www.signwell.com/api/v1"),
			APIKey:     getEnv("SIGNWELL_API_KEY", ""),
			TemplateID: getEnv("SIGNWELL_TEMPLATE_ID", ""),
		},
		Email: EmailConfig{
			FromAddress:  getEnv("EMAIL_FROM_ADDRESS", "noreply@localhost"),
			FromName:     getEnv("EMAIL_FROM_NAME", "Holdfast"),
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnvInt("SMTP_PORT", 587),
			SMTPUser:     getEnv("SMTP_USER", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		},
		App: AppConfig{
			Environment:       getEnv("APP_ENV", "development"),
			MaxSchedulingDays: getEnvInt("MAX_SCHEDULING_DAYS", 90),
			DefaultTimezone:   getEnv("DEFAULT_TIMEZONE", "UTC"),
			CORSOrigins:       splitOrigins(getEnv("CORS_ORIGINS", "")),
		},
	}

	// PORT alone is honored for platforms that only inject a port number
	if port := os.Getenv("PORT"); port != "" && os.Getenv("SERVER_ADDRESS") == "" {
		cfg.Server.Address = ":" + port
	}

	// Infer the driver from a full connection URL
	if cfg.Database.URL != "" && os.Getenv("DB_DRIVER") == "" {
		if strings.HasPrefix(cfg.Database.URL, "postgres://") || strings.HasPrefix(cfg.Database.URL, "postgresql://") {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}

	// Validate required configuration
	if cfg.Webhook.SharedSecret == "" && cfg.App.Environment == "production" {
		return nil, fmt.Errorf("WEBHOOK_SHARED_SECRET is required in production")
	}

	return cfg, nil
}

func splitOrigins(value string) []string {
	if value == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(value, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
