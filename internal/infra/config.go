package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	DatabaseURL   string
	WebhookSecret string

	// StorageBackend selects "minio" or "filesystem".
	StorageBackend  string
	StoragePath     string
	StorageBaseURL  string
	StorageSignKey  string
	SignedURLTTL    time.Duration
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	MinioPathPrefix string

	FreepikAPIKey  string
	FreepikBaseURL string
	GeminiAPIKey   string
	GeminiModel    string
	GeminiBaseURL  string

	PipelinePollInterval time.Duration
	PipelineConcurrency  int
	MaxStageAttempts     int
	BackgroundVariants   int
	VendorPollInitial    time.Duration
	VendorPollCap        time.Duration
	VendorPollAttempts   int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	CORSAllowedOrigins []string
	WebhookRatePerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8080"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		StorageBackend:  getEnv("STORAGE_BACKEND", "filesystem"),
		StoragePath:     getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:  getEnv("STORAGE_BASE_URL", "http://localhost:8080/objects"),
		StorageSignKey:  os.Getenv("STORAGE_SIGN_KEY"),
		SignedURLTTL:    time.Minute * time.Duration(getEnvInt("SIGNED_URL_TTL_MINUTES", 15)),
		MinioEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:  os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:     getEnv("MINIO_BUCKET", "photopipe"),
		MinioUseSSL:     getEnvBool("MINIO_USE_SSL", false),
		MinioPathPrefix: os.Getenv("MINIO_PATH_PREFIX"),

		FreepikAPIKey:  os.Getenv("FREEPIK_API_KEY"),
		FreepikBaseURL: getEnv("FREEPIK_BASE_URL", "https://api.freepik.com/v1"),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL:  getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		PipelinePollInterval: time.Second * time.Duration(getEnvInt("PIPELINE_POLL_SECONDS", 5)),
		PipelineConcurrency:  getEnvInt("PIPELINE_CONCURRENCY", 1),
		MaxStageAttempts:     getEnvInt("PIPELINE_MAX_STAGE_ATTEMPTS", 3),
		BackgroundVariants:   getEnvInt("PIPELINE_BACKGROUND_VARIANTS", 3),
		VendorPollInitial:    time.Second * time.Duration(getEnvInt("VENDOR_POLL_INITIAL_SECONDS", 2)),
		VendorPollCap:        time.Second * time.Duration(getEnvInt("VENDOR_POLL_CAP_SECONDS", 30)),
		VendorPollAttempts:   getEnvInt("VENDOR_POLL_MAX_ATTEMPTS", 15),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		WebhookRatePerMin:  getEnvInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}

	if cfg.StorageBackend == "minio" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio backend")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
