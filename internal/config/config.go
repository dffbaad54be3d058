// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/database"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Port         int
	LogLevel     string
	StoreDriver  string
	FixturesFile string

	DB database.Config

	Payment struct {
		Provider         string
		WebhookSecret    string
		WebhookTolerance time.Duration
		XenditSecretKey  string
		XenditCallback   string
		SuccessURL       string
	}

	TicketSigningKey string
	JWTSecret        string

	RateLimit struct {
		RedisAddr string
		Requests  int
		Window    time.Duration
	}

	Notify struct {
		Driver             string
		Workers            int
		MaxAttempts        int
		KafkaBrokers       string
		KafkaTopic         string
		GCPProjectID       string
		GCPLocation        string
		GCPCredentialsFile string
		GCPQueue           string
		MailerURL          string
	}

	Tracing struct {
		ServiceName  string
		Environment  string
		Exporter     string
		OTLPEndpoint string
		OTLPInsecure bool
		SampleRatio  float64
	}

	CORSAllowedOrigins []string
}

func defaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", "postgres")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "eventadmission")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)

	v.SetDefault("PAYMENT_PROVIDER", "signed")
	v.SetDefault("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute)

	v.SetDefault("RATE_LIMIT_REQUESTS", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)

	v.SetDefault("NOTIFY_DRIVER", "log")
	v.SetDefault("NOTIFY_WORKERS", 4)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 5)
	v.SetDefault("KAFKA_TOPIC", "registration-confirmed")
	v.SetDefault("GCP_LOCATION", "asia-southeast2")
	v.SetDefault("GCP_TASKS_QUEUE", "registration-confirmation")

	v.SetDefault("SERVICE_NAME", "event-admission")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)

	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	defaults(v)

	cfg := &Config{
		Port:         v.GetInt("PORT"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		StoreDriver:  v.GetString("STORE_DRIVER"),
		FixturesFile: v.GetString("FIXTURES_FILE"),
		DB: database.Config{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
		},
		TicketSigningKey: v.GetString("TICKET_SIGNING_KEY"),
		JWTSecret:        v.GetString("JWT_SECRET"),
	}

	cfg.Payment.Provider = v.GetString("PAYMENT_PROVIDER")
	cfg.Payment.WebhookSecret = v.GetString("PAYMENT_WEBHOOK_SECRET")
	cfg.Payment.WebhookTolerance = v.GetDuration("PAYMENT_WEBHOOK_TOLERANCE")
	cfg.Payment.XenditSecretKey = v.GetString("XENDIT_SECRET_KEY")
	cfg.Payment.XenditCallback = v.GetString("XENDIT_CALLBACK_TOKEN")
	cfg.Payment.SuccessURL = v.GetString("CHECKOUT_SUCCESS_URL")

	cfg.RateLimit.RedisAddr = v.GetString("REDIS_ADDR")
	cfg.RateLimit.Requests = v.GetInt("RATE_LIMIT_REQUESTS")
	cfg.RateLimit.Window = v.GetDuration("RATE_LIMIT_WINDOW")

	cfg.Notify.Driver = v.GetString("NOTIFY_DRIVER")
	cfg.Notify.Workers = v.GetInt("NOTIFY_WORKERS")
	cfg.Notify.MaxAttempts = v.GetInt("NOTIFY_MAX_ATTEMPTS")
	cfg.Notify.KafkaBrokers = v.GetString("KAFKA_BROKERS")
	cfg.Notify.KafkaTopic = v.GetString("KAFKA_TOPIC")
	cfg.Notify.GCPProjectID = v.GetString("GCP_PROJECT_ID")
	cfg.Notify.GCPLocation = v.GetString("GCP_LOCATION")
	cfg.Notify.GCPCredentialsFile = v.GetString("GCP_CREDENTIALS_FILE")
	cfg.Notify.GCPQueue = v.GetString("GCP_TASKS_QUEUE")
	cfg.Notify.MailerURL = v.GetString("MAILER_URL")

	cfg.Tracing.ServiceName = v.GetString("SERVICE_NAME")
	cfg.Tracing.Environment = v.GetString("APP_ENV")
	cfg.Tracing.Exporter = v.GetString("TRACE_EXPORTER")
	cfg.Tracing.OTLPEndpoint = v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.Tracing.OTLPInsecure = v.GetBool("OTEL_EXPORTER_OTLP_INSECURE")
	cfg.Tracing.SampleRatio = v.GetFloat64("TRACE_SAMPLE_RATIO")

	cfg.CORSAllowedOrigins = splitList(v.GetString("CORS_ALLOWED_ORIGINS"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.Payment.Provider {
	case "signed":
		if c.Payment.WebhookSecret == "" {
			return errors.New("PAYMENT_WEBHOOK_SECRET is required for the signed provider")
		}
	case "xendit":
		if c.Payment.XenditSecretKey == "" || c.Payment.XenditCallback == "" {
			return errors.New("XENDIT_SECRET_KEY and XENDIT_CALLBACK_TOKEN are required for the xendit provider")
		}
	default:
		return fmt.Errorf("unsupported PAYMENT_PROVIDER %q", c.Payment.Provider)
	}

	if c.TicketSigningKey == "" {
		return errors.New("TICKET_SIGNING_KEY is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimit.Requests)
	}
	// viper reports 0 for values it cannot parse as a duration.
	if c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be a positive duration")
	}

	switch c.Notify.Driver {
	case "log":
	case "kafka":
		if c.Notify.KafkaBrokers == "" {
			return errors.New("KAFKA_BROKERS is required for the kafka notify driver")
		}
	case "cloudtasks":
		if c.Notify.GCPProjectID == "" || c.Notify.MailerURL == "" {
			return errors.New("GCP_PROJECT_ID and MAILER_URL are required for the cloudtasks notify driver")
		}
	default:
		return fmt.Errorf("unsupported NOTIFY_DRIVER %q", c.Notify.Driver)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.OTLPEndpoint == "" {
			return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required for the otlp trace exporter")
		}
	default:
		return fmt.Errorf("unsupported TRACE_EXPORTER %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
