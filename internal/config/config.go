package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	StorageAzure = "azure"
	StorageLocal = "local"
)

// Key strategies
const (
	KeyStrategyTimestamp = "timestamp"
	KeyStrategyUUID      = "uuid"
)

const defaultOCREndpoint = "https://vision.googleapis.com/v1/images:annotate"

type Config struct {
	Host               string
	Port               string
	LogLevel           string
	RequestTimeout     time.Duration
	ImageFetchTimeout  time.Duration
	UploadTimeout      time.Duration
	RecognitionTimeout time.Duration
	MaxRequestBodySize int64
	MaxPayloadSize     int64

	StorageBackend   string
	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string
	PublicBaseURL    string
	LocalStorageDir  string
	KeyStrategy      string
	KeyPrefix        string
	OCREndpoint      string
	OCRAPIKey        string
	AllowLibrary     bool
	AllowCamera      bool
	HistorySize      int
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// LoadFromEnv reads the configuration from the environment. Values from the
// file named by ENV_FILE (default ".env") are loaded first without overriding
// variables that are already set; a missing file is ignored.
func LoadFromEnv() (*Config, error) {
	envFile := getEnvOrDefault("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
	}

	// Set defaults
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "0.0.0.0"),
		Port:               getEnvOrDefault("PORT", "8080"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		ImageFetchTimeout:  parseDurationOrDefault("IMAGE_FETCH_TIMEOUT", 15*time.Second),
		UploadTimeout:      parseDurationOrDefault("UPLOAD_TIMEOUT", 60*time.Second),
		RecognitionTimeout: parseDurationOrDefault("RECOGNITION_TIMEOUT", 30*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 1024*1024),
		MaxPayloadSize:     parseIntOrDefault("MAX_PAYLOAD_SIZE", 10*1024*1024),

		StorageBackend:   strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", StorageLocal)),
		AzureAccountName: os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureAccountKey:  os.Getenv("AZURE_STORAGE_KEY"),
		AzureContainer:   getEnvOrDefault("AZURE_STORAGE_CONTAINER", "images"),
		PublicBaseURL:    strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		LocalStorageDir:  getEnvOrDefault("LOCAL_STORAGE_DIR", "./data/objects"),
		KeyStrategy:      strings.ToLower(getEnvOrDefault("KEY_STRATEGY", KeyStrategyTimestamp)),
		KeyPrefix:        os.Getenv("KEY_PREFIX"),
		OCREndpoint:      getEnvOrDefault("OCR_ENDPOINT", defaultOCREndpoint),
		OCRAPIKey:        os.Getenv("OCR_API_KEY"),
		AllowLibrary:     parseBoolOrDefault("ALLOW_LIBRARY", true),
		AllowCamera:      parseBoolOrDefault("ALLOW_CAMERA", false),
		HistorySize:      int(parseIntOrDefault("HISTORY_SIZE", 50)),
	}

	if cfg.PublicBaseURL == "" && cfg.StorageBackend == StorageLocal {
		cfg.PublicBaseURL = "http://" + cfg.ServerAddress()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and backend-specific requirements.
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_SIZE must be > 0 (got %d)", c.MaxPayloadSize)
	}
	if c.RequestTimeout <= 0 || c.ImageFetchTimeout <= 0 || c.UploadTimeout <= 0 || c.RecognitionTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, fetch=%s, upload=%s, recognition=%s)",
			c.RequestTimeout, c.ImageFetchTimeout, c.UploadTimeout, c.RecognitionTimeout)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("HISTORY_SIZE must be > 0 (got %d)", c.HistorySize)
	}

	switch c.StorageBackend {
	case StorageAzure:
		if c.AzureAccountName == "" || c.AzureAccountKey == "" {
			return fmt.Errorf("STORAGE_BACKEND=azure requires AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY")
		}
	case StorageLocal:
		if c.LocalStorageDir == "" {
			return fmt.Errorf("STORAGE_BACKEND=local requires LOCAL_STORAGE_DIR")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %q", c.StorageBackend)
	}

	switch c.KeyStrategy {
	case KeyStrategyTimestamp, KeyStrategyUUID:
	default:
		return fmt.Errorf("unsupported KEY_STRATEGY: %q", c.KeyStrategy)
	}

	if strings.TrimSpace(c.OCREndpoint) == "" {
		return fmt.Errorf("OCR_ENDPOINT must not be empty")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
