package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Environment       string `mapstructure:"RPS_ENVIRONMENT"`
	ServerName        string `mapstructure:"RPS_SERVER_NAME"`
	ServerAddress     string `mapstructure:"RPS_SERVER_BIND_ADDR"`
	ServerReadTimeout int16  `mapstructure:"RPS_SERVER_READ_TIMEOUT"`
	LogFormat         string `mapstructure:"RPS_LOG_FORMAT"` // text or json
	LogLevel          string `mapstructure:"RPS_LOG_LEVEL"`  // debug, info, warn, error
	RateLimitMax      int    `mapstructure:"RPS_RATE_LIMIT_MAX"`
	RateLimitWindow   int    `mapstructure:"RPS_RATE_LIMIT_WINDOW"`

	DbHost           string `mapstructure:"RPS_DB_HOST"`
	DbPort           int16  `mapstructure:"RPS_DB_PORT"`
	DbSSLMode        string `mapstructure:"RPS_DB_SSL"`
	DbUser           string `mapstructure:"RPS_DB_USER"`
	DbPassword       string `mapstructure:"RPS_DB_PASSWORD"`
	DbDatabaseName   string `mapstructure:"RPS_DB_DATABASE"`
	DbMaxConnections int    `mapstructure:"RPS_DB_MAX_CONNECTIONS"`

	// Redis (dedup cache)
	RedisHost string `mapstructure:"RPS_REDIS_HOST"`
	RedisPort int16  `mapstructure:"RPS_REDIS_PORT"`
	RedisDb   int    `mapstructure:"RPS_REDIS_DB"`
	RedisUser string `mapstructure:"RPS_REDIS_USER"`
	RedisPass string `mapstructure:"RPS_REDIS_PASS"`

	OtlpEndpoint   string `mapstructure:"RPS_OTLP_ENDPOINT"`
	JaegerEndpoint string `mapstructure:"RPS_JAEGER_ENDPOINT"`

	// Telegram notifier
	TelegramBotToken string `mapstructure:"RPS_TELEGRAM_BOT_TOKEN"`
	TelegramDebug    bool   `mapstructure:"RPS_TELEGRAM_DEBUG"`

	// Vision extraction provider
	ExtractorAPIKey       string  `mapstructure:"RPS_EXTRACTOR_API_KEY"`
	ExtractorModel        string  `mapstructure:"RPS_EXTRACTOR_MODEL"`
	ExtractorBaseURL      string  `mapstructure:"RPS_EXTRACTOR_BASE_URL"`
	ExtractorMaxTokens    int     `mapstructure:"RPS_EXTRACTOR_MAX_TOKENS"`
	ExtractorTemperature  float64 `mapstructure:"RPS_EXTRACTOR_TEMPERATURE"`
	ExtractorTimeoutSecs  int     `mapstructure:"RPS_EXTRACTOR_TIMEOUT_SECONDS"`
	ExtractorMaxAttempts  int     `mapstructure:"RPS_EXTRACTOR_MAX_ATTEMPTS"`
	ExtractorInitialDelay int     `mapstructure:"RPS_EXTRACTOR_INITIAL_DELAY_MS"`
	ExtractorMaxDelay     int     `mapstructure:"RPS_EXTRACTOR_MAX_DELAY_MS"`
	MaxImageBytes         int64   `mapstructure:"RPS_MAX_IMAGE_BYTES"`

	// Pipeline policy
	FuzzyMatchThreshold float64 `mapstructure:"RPS_FUZZY_MATCH_THRESHOLD"`
	PromotionThreshold  int     `mapstructure:"RPS_PROMOTION_THRESHOLD"`
	ConfidenceGate      float64 `mapstructure:"RPS_CONFIDENCE_GATE"`
	TotalTolerancePct   float64 `mapstructure:"RPS_TOTAL_TOLERANCE_PCT"`
	StaleProcessingMins int     `mapstructure:"RPS_STALE_PROCESSING_MINUTES"`

	// Cloud Storage Configuration
	CloudProvider                string `mapstructure:"RPS_CLOUD_PROVIDER"`
	AzureStorageConnectionString string `mapstructure:"RPS_AZURE_STORAGE_CONNECTION_STRING"`
	AzureStorageAccountName      string `mapstructure:"RPS_AZURE_STORAGE_ACCOUNT_NAME"`
	AzureStorageAccountKey       string `mapstructure:"RPS_AZURE_STORAGE_ACCOUNT_KEY"`
	AzureStorageContainerName    string `mapstructure:"RPS_AZURE_STORAGE_CONTAINER_NAME"`
}

// DefaultConfig generates a config with sane defaults.
// See: The example .env file in the package docs for default values.
func DefaultConfig() Config {
	return Config{
		Environment:       "local",
		ServerName:        "receipt-service",
		ServerAddress:     "0.0.0.0:3001",
		ServerReadTimeout: 60,
		LogFormat:         "text",
		LogLevel:          "info",
		RateLimitMax:      100,
		RateLimitWindow:   30,

		DbHost:           "localhost",
		DbPort:           5432,
		DbSSLMode:        "disable",
		DbUser:           "postgres",
		DbPassword:       "postgres",
		DbDatabaseName:   "receipt-service",
		DbMaxConnections: 100,

		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDb:   0,
		RedisUser: "redis",
		RedisPass: "redis",

		OtlpEndpoint:   "localhost:4317",
		JaegerEndpoint: "http://localhost:14268/api/traces",

		TelegramBotToken: "",
		TelegramDebug:    false,

		ExtractorAPIKey:       "",
		ExtractorModel:        "gpt-4o-mini",
		ExtractorBaseURL:      "https://api.openai.com/v1",
		ExtractorMaxTokens:    2000,
		ExtractorTemperature:  0.1,
		ExtractorTimeoutSecs:  60,
		ExtractorMaxAttempts:  3,
		ExtractorInitialDelay: 1000,
		ExtractorMaxDelay:     8000,
		MaxImageBytes:         15 * 1024 * 1024,

		FuzzyMatchThreshold: 0.70,
		PromotionThreshold:  3,
		ConfidenceGate:      0.80,
		TotalTolerancePct:   0.01,
		StaleProcessingMins: 30,

		CloudProvider:                "azure",
		AzureStorageConnectionString: "",
		AzureStorageAccountName:      "",
		AzureStorageAccountKey:       "",
		AzureStorageContainerName:    "receipts",
	}
}

// LoadConfig will attempt to load a configuration from the default file location and fallback to environment variables.
func LoadConfig() (Config, error) {
	envFile := os.Getenv("RPS_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	var cfg Config
	var err error

	if _, err = os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		cfg, err = ConfigFromEnvironment()
	} else {
		cfg, err = ConfigFromFile(envFile)
	}

	return cfg, err
}

// ConfigFromEnvironment will look for the specified configuration from environment variables
// See package docs for a list of available environment variables.
func ConfigFromEnvironment() (config Config, err error) {
	// Set defaults
	config = DefaultConfig()
	viper.SetDefault("RPS_ENVIRONMENT", config.Environment)
	viper.SetDefault("RPS_SERVER_NAME", config.ServerName)
	viper.SetDefault("RPS_SERVER_BIND_ADDR", config.ServerAddress)
	viper.SetDefault("RPS_SERVER_READ_TIMEOUT", config.ServerReadTimeout)
	viper.SetDefault("RPS_LOG_LEVEL", config.LogLevel)
	viper.SetDefault("RPS_LOG_FORMAT", config.LogFormat)
	viper.SetDefault("RPS_RATE_LIMIT_MAX", config.RateLimitMax)
	viper.SetDefault("RPS_RATE_LIMIT_WINDOW", config.RateLimitWindow)
	viper.SetDefault("RPS_DB_HOST", config.DbHost)
	viper.SetDefault("RPS_DB_PORT", config.DbPort)
	viper.SetDefault("RPS_DB_SSL", config.DbSSLMode)
	viper.SetDefault("RPS_DB_USER", config.DbUser)
	viper.SetDefault("RPS_DB_PASSWORD", config.DbPassword)
	viper.SetDefault("RPS_DB_DATABASE", config.DbDatabaseName)
	viper.SetDefault("RPS_DB_MAX_CONNECTIONS", config.DbMaxConnections)
	viper.SetDefault("RPS_REDIS_HOST", config.RedisHost)
	viper.SetDefault("RPS_REDIS_PORT", config.RedisPort)
	viper.SetDefault("RPS_REDIS_USER", config.RedisUser)
	viper.SetDefault("RPS_REDIS_PASS", config.RedisPass)
	viper.SetDefault("RPS_REDIS_DB", config.RedisDb)
	viper.SetDefault("RPS_OTLP_ENDPOINT", config.OtlpEndpoint)
	viper.SetDefault("RPS_JAEGER_ENDPOINT", config.JaegerEndpoint)
	viper.SetDefault("RPS_TELEGRAM_BOT_TOKEN", config.TelegramBotToken)
	viper.SetDefault("RPS_TELEGRAM_DEBUG", config.TelegramDebug)
	viper.SetDefault("RPS_EXTRACTOR_API_KEY", config.ExtractorAPIKey)
	viper.SetDefault("RPS_EXTRACTOR_MODEL", config.ExtractorModel)
	viper.SetDefault("RPS_EXTRACTOR_BASE_URL", config.ExtractorBaseURL)
	viper.SetDefault("RPS_EXTRACTOR_MAX_TOKENS", config.ExtractorMaxTokens)
	viper.SetDefault("RPS_EXTRACTOR_TEMPERATURE", config.ExtractorTemperature)
	viper.SetDefault("RPS_EXTRACTOR_TIMEOUT_SECONDS", config.ExtractorTimeoutSecs)
	viper.SetDefault("RPS_EXTRACTOR_MAX_ATTEMPTS", config.ExtractorMaxAttempts)
	viper.SetDefault("RPS_EXTRACTOR_INITIAL_DELAY_MS", config.ExtractorInitialDelay)
	viper.SetDefault("RPS_EXTRACTOR_MAX_DELAY_MS", config.ExtractorMaxDelay)
	viper.SetDefault("RPS_MAX_IMAGE_BYTES", config.MaxImageBytes)
	viper.SetDefault("RPS_FUZZY_MATCH_THRESHOLD", config.FuzzyMatchThreshold)
	viper.SetDefault("RPS_PROMOTION_THRESHOLD", config.PromotionThreshold)
	viper.SetDefault("RPS_CONFIDENCE_GATE", config.ConfidenceGate)
	viper.SetDefault("RPS_TOTAL_TOLERANCE_PCT", config.TotalTolerancePct)
	viper.SetDefault("RPS_STALE_PROCESSING_MINUTES", config.StaleProcessingMins)
	viper.SetDefault("RPS_CLOUD_PROVIDER", config.CloudProvider)
	viper.SetDefault("RPS_AZURE_STORAGE_CONNECTION_STRING", config.AzureStorageConnectionString)
	viper.SetDefault("RPS_AZURE_STORAGE_ACCOUNT_NAME", config.AzureStorageAccountName)
	viper.SetDefault("RPS_AZURE_STORAGE_ACCOUNT_KEY", config.AzureStorageAccountKey)
	viper.SetDefault("RPS_AZURE_STORAGE_CONTAINER_NAME", config.AzureStorageContainerName)

	// Override config values with environment variables
	viper.AutomaticEnv()
	err = viper.Unmarshal(&config)
	return
}

// ConfigFromFile will look for the specified configuration file in the current directory and initialize
// a Config from it. Values provided by environment variables will override ones found in
// the file. See package docs for a list of available environment variables.
func ConfigFromFile(f string) (config Config, err error) {
	if config, err = ConfigFromEnvironment(); err != nil {
		return
	}

	viper.AddConfigPath(".")
	viper.SetConfigFile(f)
	viper.SetConfigType("env")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)

	return
}

// Fiber initializes and returns a Fiber config based on server config values.
// See https://docs.gofiber.io/api/fiber#config
func (c Config) Fiber() fiber.Config {
	return fiber.Config{
		ReadTimeout: time.Second * time.Duration(c.ServerReadTimeout),
		BodyLimit:   int(c.MaxImageBytes),
	}
}

// DbConnectionString generates a connection string for the database based on config values.
func (c Config) DbConnectionString() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s", c.DbUser, url.QueryEscape(c.DbPassword), c.DbHost, c.DbPort, c.DbDatabaseName, c.DbSSLMode)
}

// RedisAddress generates the dial address for the dedup cache.
func (c Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// GetSlogLevel converts the string log level to slog.Level.
func (c Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetExtractorConfig converts config values to the extraction provider configuration struct.
func (c Config) GetExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		APIKey:       c.ExtractorAPIKey,
		Model:        c.ExtractorModel,
		BaseURL:      c.ExtractorBaseURL,
		MaxTokens:    c.ExtractorMaxTokens,
		Temperature:  c.ExtractorTemperature,
		Timeout:      time.Duration(c.ExtractorTimeoutSecs) * time.Second,
		MaxAttempts:  c.ExtractorMaxAttempts,
		InitialDelay: time.Duration(c.ExtractorInitialDelay) * time.Millisecond,
		MaxDelay:     time.Duration(c.ExtractorMaxDelay) * time.Millisecond,
	}
}

// ExtractorConfig holds vision extraction provider configuration.
type ExtractorConfig struct {
	APIKey       string
	Model        string // e.g., "gpt-4o-mini"
	BaseURL      string // for switching to local models later
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// GetPipelineConfig converts config values to the pipeline policy constants.
func (c Config) GetPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FuzzyMatchThreshold: c.FuzzyMatchThreshold,
		PromotionThreshold:  c.PromotionThreshold,
		ConfidenceGate:      c.ConfidenceGate,
		TotalTolerancePct:   c.TotalTolerancePct,
		MaxImageBytes:       c.MaxImageBytes,
		StaleProcessingAge:  time.Duration(c.StaleProcessingMins) * time.Minute,
	}
}

// PipelineConfig holds the tunable policy constants of the processing pipeline.
type PipelineConfig struct {
	FuzzyMatchThreshold float64
	PromotionThreshold  int
	ConfidenceGate      float64
	TotalTolerancePct   float64
	MaxImageBytes       int64
	StaleProcessingAge  time.Duration
}

// GetCloudConfig converts config values to cloud storage configuration struct.
func (c Config) GetCloudConfig() CloudConfig {
	return CloudConfig{
		Provider: c.CloudProvider,
		Azure: AzureCloudConfig{
			StorageAccountName: c.AzureStorageAccountName,
			StorageAccountKey:  c.AzureStorageAccountKey,
			ConnectionString:   c.AzureStorageConnectionString,
			ContainerName:      c.AzureStorageContainerName,
		},
	}
}

// CloudConfig holds cloud storage configuration
type CloudConfig struct {
	Provider string
	Azure    AzureCloudConfig
	// AWS and GCP configs can be added later
}

// AzureCloudConfig holds Azure Blob Storage specific configuration
type AzureCloudConfig struct {
	StorageAccountName string
	StorageAccountKey  string
	ConnectionString   string
	ContainerName      string
}
