package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Meta      Meta      `yaml:"meta"`
	Webhook   Webhook   `yaml:"webhook"`
	WhatsApp  WhatsApp  `yaml:"whatsapp"`
	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	S3        S3        `yaml:"s3"`
	Demo      Demo      `yaml:"demo"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port         string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Meta holds Graph API and OAuth app configuration
type Meta struct {
	BaseURL     string `yaml:"base_url" env:"META_BASE_URL" env-default:"https://graph.facebook.com"`
	AuthBaseURL string `yaml:"auth_base_url" env:"META_AUTH_BASE_URL" env-default:"https://www.facebook.com"`
	APIVersion  string `yaml:"api_version" env:"META_API_VERSION" env-default:"v21.0"`
	AppID       string `yaml:"app_id" env:"META_APP_ID"`
	AppSecret   string `yaml:"app_secret" env:"META_APP_SECRET"`
	RedirectURL string `yaml:"redirect_url" env:"META_REDIRECT_URL"`
	// UIURL is where OAuth callbacks redirect the operator; empty keeps
	// the flow JSON-only
	UIURL string `yaml:"ui_url" env:"META_UI_URL"`
	// BusinessID is the Business Manager id when known up front
	BusinessID string `yaml:"business_id" env:"META_BUSINESS_ID"`
}

// Webhook holds webhook endpoint configuration
type Webhook struct {
	VerifyToken string `yaml:"verify_token" env:"WEBHOOK_VERIFY_TOKEN"`
}

// WhatsApp holds WhatsApp-specific configuration
type WhatsApp struct {
	// NumberID is the operator-provided id, either a WABA id or a
	// phone-number id; discovery disambiguates it
	NumberID string `yaml:"number_id" env:"WHATSAPP_NUMBER_ID"`
	// TemplateName is the pre-approved template used outside the reply
	// window; empty surfaces the provider rejection instead
	TemplateName string `yaml:"template_name" env:"WHATSAPP_TEMPLATE_NAME"`
	TemplateLang string `yaml:"template_lang" env:"WHATSAPP_TEMPLATE_LANG" env-default:"en"`
}

// Database holds database configuration
type Database struct {
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	MaxOpenConns int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DB_CONN_LIFETIME" env-default:"5m"`
}

// Scheduler holds the account status-check scheduler configuration
type Scheduler struct {
	Enabled  bool          `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"false"`
	Interval time.Duration `yaml:"interval" env:"SCHEDULER_INTERVAL" env-default:"15m"`
}

// S3 holds S3/MinIO storage configuration for the media mirror
type S3 struct {
	Enabled         bool   `yaml:"enabled" env:"S3_ENABLED" env-default:"false"`
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT" env-default:"http://localhost:9000"`
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID" env-default:"minioadmin"`
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY" env-default:"minioadmin"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET" env-default:"media"`
	Region          string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	PublicURL       string `yaml:"public_url" env:"S3_PUBLIC_URL" env-default:"http://localhost:9000/media"`
}

// Demo switches sends to the simulated sender, useful without Meta
// credentials
type Demo struct {
	Enabled bool `yaml:"enabled" env:"DEMO_MODE" env-default:"false"`
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
