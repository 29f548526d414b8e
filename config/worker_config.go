package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mailpilot"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	WorkerID    string

	// Database
	DatabaseDriver string
	DatabaseURL    string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string

	// Auth / secrets
	JWTSecret     string
	EncryptionKey string

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeout     time.Duration

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Sync pipeline
	PollInterval        time.Duration
	AdapterTimeout      time.Duration
	IMAPDialTimeout     time.Duration
	StaleAfter          time.Duration
	StaleCheckInterval  time.Duration
	MonitorHistorySize  int
	TransientEscalation int
	SchedulerEnabled    bool
	IMAPPlaintext       bool

	// Manual poll throttling per user
	ManualPollLimit  int
	ManualPollWindow time.Duration

	// Command stream
	CommandWorkers int
	CommandTimeout time.Duration

	// Alerts
	AlertWebhookURL     string
	TelegramBotToken    string
	TelegramAlertChatID int64

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		WorkerID:    getEnv("WORKER_ID", generateWorkerID()),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "pgx")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		MongoDBURL:     getEnv("MONGODB_URL", ""),
		MongoDBName:    getEnv("MONGODB_DATABASE", "mailpilot"),
		RedisURL:       getEnv("REDIS_URL", ""),

		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT_SEC", 60)) * time.Second,

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		PollInterval:        time.Duration(getEnvInt("POLL_INTERVAL_SEC", 60)) * time.Second,
		AdapterTimeout:      time.Duration(getEnvInt("ADAPTER_TIMEOUT_SEC", 30)) * time.Second,
		IMAPDialTimeout:     time.Duration(getEnvInt("IMAP_DIAL_TIMEOUT_SEC", 30)) * time.Second,
		StaleAfter:          time.Duration(getEnvInt("STALE_AFTER_MIN", 30)) * time.Minute,
		StaleCheckInterval:  time.Duration(getEnvInt("STALE_CHECK_INTERVAL_SEC", 60)) * time.Second,
		MonitorHistorySize:  getEnvInt("MONITOR_HISTORY_SIZE", 50),
		TransientEscalation: getEnvInt("TRANSIENT_ESCALATION", 3),
		SchedulerEnabled:    getEnvBool("SCHEDULER_ENABLED", true),
		IMAPPlaintext:       getEnvBool("IMAP_PLAINTEXT", false),

		ManualPollLimit:  getEnvInt("MANUAL_POLL_LIMIT", 6),
		ManualPollWindow: time.Duration(getEnvInt("MANUAL_POLL_WINDOW_SEC", 60)) * time.Second,

		CommandWorkers: getEnvInt("COMMAND_WORKERS", 4),
		CommandTimeout: time.Duration(getEnvInt("COMMAND_TIMEOUT_SEC", 120)) * time.Second,

		AlertWebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAlertChatID: getEnvInt64("TELEGRAM_ALERT_CHAT_ID", 0),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_SEC must be positive")
	}
	switch cfg.DatabaseDriver {
	case "pgx", "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("DATABASE_DRIVER must be one of pgx, postgres, sqlite3; got %q", cfg.DatabaseDriver)
	}
	if cfg.TransientEscalation < 1 {
		return nil, fmt.Errorf("TRANSIENT_ESCALATION must be at least 1")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
