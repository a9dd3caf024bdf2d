// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when required credentials or ids are missing.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	WhatsApp   WhatsAppConfig   `mapstructure:"whatsapp"`
	Commerce   CommerceConfig   `mapstructure:"commerce"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
	Admin      AdminConfig      `mapstructure:"admin"`
}

type ServerConfig struct {
	Port         string `mapstructure:"port" validate:"required"`
	ReadTimeout  int    `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout int    `mapstructure:"write_timeout" validate:"gt=0"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	Migrations   string `mapstructure:"migrations_path"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WhatsAppConfig struct {
	BaseURL        string               `mapstructure:"base_url" validate:"required,url"`
	APIVersion     string               `mapstructure:"api_version" validate:"required"`
	PhoneNumberID  string               `mapstructure:"phone_number_id" validate:"required"`
	AccessToken    string               `mapstructure:"access_token" validate:"required"`
	VerifyToken    string               `mapstructure:"verify_token" validate:"required"`
	AppSecret      string               `mapstructure:"app_secret"`
	FlowID         string               `mapstructure:"flow_id"`
	Timeout        int                  `mapstructure:"timeout" validate:"gt=0"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CommerceConfig struct {
	BaseURL             string               `mapstructure:"base_url" validate:"required,url"`
	APIVersion          string               `mapstructure:"api_version" validate:"required"`
	AccessToken         string               `mapstructure:"access_token" validate:"required"`
	Timeout             int                  `mapstructure:"timeout" validate:"gt=0"`
	UploadAttempts      int                  `mapstructure:"upload_attempts" validate:"gte=1"`
	PollInitialInterval int                  `mapstructure:"poll_initial_interval_ms" validate:"gt=0"`
	PollMaxInterval     int                  `mapstructure:"poll_max_interval_ms" validate:"gt=0"`
	PollMaxAttempts     int                  `mapstructure:"poll_max_attempts" validate:"gte=1"`
	CircuitBreaker      CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"`
	Timeout          int     `mapstructure:"timeout"`
	FailureRatio     float64 `mapstructure:"failure_ratio"`
	ConsecutiveFails uint32  `mapstructure:"consecutive_fails"`
}

type IntakeConfig struct {
	MinPhotos         int `mapstructure:"min_photos" validate:"gte=1"`
	PhotoTTLHours     int `mapstructure:"photo_ttl_hours" validate:"gt=0"`
	ProcessedTTLHours int `mapstructure:"processed_ttl_hours" validate:"gt=0"`
	MaxEmailAttempts  int `mapstructure:"max_email_attempts" validate:"gte=1"`
	MaxCodeAttempts   int `mapstructure:"max_code_attempts" validate:"gte=1"`
	MaxImageEdge      int `mapstructure:"max_image_edge" validate:"gt=0"`
	JPEGQuality       int `mapstructure:"jpeg_quality" validate:"gte=1,lte=100"`
}

type AuthConfig struct {
	CodeTTLMinutes  int                  `mapstructure:"code_ttl_minutes" validate:"gt=0"`
	DeliveryURL     string               `mapstructure:"delivery_url" validate:"required,url"`
	DeliveryAuthKey string               `mapstructure:"delivery_auth_key"`
	Timeout         int                  `mapstructure:"timeout" validate:"gt=0"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type ExtractionConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type SweeperConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes" validate:"gt=0"`
	BatchSize       int `mapstructure:"batch_size" validate:"gt=0"`
}

type MiddlewareConfig struct {
	RateLimit      int `mapstructure:"rate_limit"`
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
	RequestTimeout int `mapstructure:"request_timeout"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.auto_migrate", false)
	v.SetDefault("server.migrations_path", "./migrations")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("whatsapp.base_url", "https://graph.facebook.com")
	v.SetDefault("whatsapp.api_version", "v21.0")
	v.SetDefault("whatsapp.timeout", 15)
	v.SetDefault("whatsapp.circuit_breaker.max_requests", 3)
	v.SetDefault("whatsapp.circuit_breaker.interval", 60)
	v.SetDefault("whatsapp.circuit_breaker.timeout", 30)
	v.SetDefault("whatsapp.circuit_breaker.failure_ratio", 0.6)
	v.SetDefault("whatsapp.circuit_breaker.consecutive_fails", 5)
	v.SetDefault("commerce.api_version", "2024-10")
	v.SetDefault("commerce.timeout", 30)
	v.SetDefault("commerce.upload_attempts", 2)
	v.SetDefault("commerce.poll_initial_interval_ms", 1000)
	v.SetDefault("commerce.poll_max_interval_ms", 5000)
	v.SetDefault("commerce.poll_max_attempts", 10)
	v.SetDefault("commerce.circuit_breaker.max_requests", 3)
	v.SetDefault("commerce.circuit_breaker.interval", 60)
	v.SetDefault("commerce.circuit_breaker.timeout", 60)
	v.SetDefault("commerce.circuit_breaker.failure_ratio", 0.6)
	v.SetDefault("commerce.circuit_breaker.consecutive_fails", 5)
	v.SetDefault("intake.min_photos", 3)
	v.SetDefault("intake.photo_ttl_hours", 24)
	v.SetDefault("intake.processed_ttl_hours", 24)
	v.SetDefault("intake.max_email_attempts", 3)
	v.SetDefault("intake.max_code_attempts", 3)
	v.SetDefault("intake.max_image_edge", 2048)
	v.SetDefault("intake.jpeg_quality", 85)
	v.SetDefault("auth.code_ttl_minutes", 10)
	v.SetDefault("auth.timeout", 10)
	v.SetDefault("auth.circuit_breaker.max_requests", 3)
	v.SetDefault("auth.circuit_breaker.interval", 60)
	v.SetDefault("auth.circuit_breaker.timeout", 60)
	v.SetDefault("auth.circuit_breaker.failure_ratio", 0.6)
	v.SetDefault("auth.circuit_breaker.consecutive_fails", 5)
	v.SetDefault("extraction.model", "gemini-2.5-flash")
	v.SetDefault("sweeper.interval_minutes", 15)
	v.SetDefault("sweeper.batch_size", 50)
	v.SetDefault("middleware.rate_limit", 100)
	v.SetDefault("middleware.rate_limit_burst", 1000)
	v.SetDefault("middleware.request_timeout", 55)
}

// LoadConfig reads configPath, applies INTAKE_* environment overrides and validates the
// result. A missing .env file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks that every credential and id needed to serve traffic is present.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// GetDSN returns PostgreSQL connection string.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// GetURL returns the PostgreSQL connection URL used by the migration runner.
func (d *DatabaseConfig) GetURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// GetAddr returns the Redis address.
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
