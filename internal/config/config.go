package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the full set of relay settings, loaded once at boot.
type Config struct {
	// Telegram Bot API
	BotToken string

	// Telegram MTProto app credentials
	APIID   int32
	APIHash string

	// Database
	DatabaseURL string

	// Session encryption
	SessionEncryptionKey string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsAddr string

	// Rate limiting
	MaxMessagesPerSecond int
	FloodWaitMultiplier  float64

	// Retry settings
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	RetryScanSpec  string

	// Media group settings
	MediaGroupTimeout time.Duration

	// Fallback polling
	PollInterval  time.Duration
	PollBatchSize int

	// DM forwarding
	DMMaxMediaSizeMB int

	// Keyword filtering
	FilterKeywordsRaw   string `yaml:"filter_keywords"`
	FilterMode          string `yaml:"filter_mode"`
	FilterCaseSensitive bool   `yaml:"filter_case_sensitive"`

	// Auth settings
	MaxAuthAttempts int
	AuthCodeTimeout time.Duration
	QRPollInterval  time.Duration

	// Session monitor
	SessionCheckSpec string

	// Database connection pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ShutdownTimeoutSeconds int
}

var AppConfig *Config

// LoadConfig reads settings from the environment (and an optional YAML file
// for the filter block) into AppConfig. Fatal on missing required credentials.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		BotToken: getEnvOrDefault("BOT_TOKEN", ""),

		APIID:   int32(getEnvAsInt("API_ID", 0)),
		APIHash: getEnvOrDefault("API_HASH", ""),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/channel_relay?sslmode=disable"),

		SessionEncryptionKey: getEnvOrDefault("SESSION_ENCRYPTION_KEY", ""),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		MetricsAddr: getEnvOrDefault("METRICS_ADDR", ":9090"),

		MaxMessagesPerSecond: getEnvAsInt("MAX_MESSAGES_PER_SECOND", 30),
		FloodWaitMultiplier:  getEnvFloat("FLOOD_WAIT_MULTIPLIER", 1.5),

		MaxRetries:     getEnvAsInt("MAX_RETRIES", 5),
		BaseRetryDelay: getEnvAsDuration("BASE_RETRY_DELAY", time.Second),
		MaxRetryDelay:  getEnvAsDuration("MAX_RETRY_DELAY", 300*time.Second),
		RetryScanSpec:  getEnvOrDefault("RETRY_SCAN_SPEC", "@every 1m"),

		MediaGroupTimeout: getEnvAsDuration("MEDIA_GROUP_TIMEOUT", 2*time.Second),

		PollInterval:  getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
		PollBatchSize: getEnvAsInt("POLL_BATCH_SIZE", 20),

		DMMaxMediaSizeMB: getEnvAsInt("DM_MAX_MEDIA_SIZE_MB", 20),

		FilterKeywordsRaw:   getEnvOrDefault("FILTER_KEYWORDS", ""),
		FilterMode:          getEnvOrDefault("FILTER_MODE", "blacklist"),
		FilterCaseSensitive: getEnvOrDefault("FILTER_CASE_SENSITIVE", "false") == "true",

		MaxAuthAttempts: getEnvAsInt("MAX_AUTH_ATTEMPTS", 3),
		AuthCodeTimeout: getEnvAsDuration("AUTH_CODE_TIMEOUT", 300*time.Second),
		QRPollInterval:  getEnvAsDuration("QR_POLL_INTERVAL", 3*time.Second),

		SessionCheckSpec: getEnvOrDefault("SESSION_CHECK_SPEC", "@every 5m"),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		ShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	// Optional YAML overlay for settings that are unwieldy as env vars,
	// currently the filter block.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.BotToken == "" {
		log.Fatal("BOT_TOKEN is required")
	}
	if AppConfig.APIID == 0 || AppConfig.APIHash == "" {
		log.Fatal("API_ID and API_HASH are required")
	}
	if AppConfig.SessionEncryptionKey == "" {
		log.Fatal("SESSION_ENCRYPTION_KEY is required")
	}
	if AppConfig.FilterMode != "blacklist" && AppConfig.FilterMode != "whitelist" {
		log.Fatalf("FILTER_MODE must be blacklist or whitelist, got %q", AppConfig.FilterMode)
	}
}

// FilterKeywords parses the comma-separated keyword list.
func (c *Config) FilterKeywords() []string {
	if strings.TrimSpace(c.FilterKeywordsRaw) == "" {
		return nil
	}
	var keywords []string
	for _, kw := range strings.Split(c.FilterKeywordsRaw, ",") {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

// DMMaxMediaBytes returns the DM size guard in bytes.
func (c *Config) DMMaxMediaBytes() int64 {
	return int64(c.DMMaxMediaSizeMB) * 1024 * 1024
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile merges YAML settings from reader into config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
