package services

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/gcp"
	"github.com/Lllllllleong/credentialvault/internal/s3compat"
)

const (
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendHTTP   = "http"
	BackendVertex = "vertex"
)

// Config is the environment shared by the vault functions. Each function
// uses the part it needs.
type Config struct {
	ProjectID           string
	DocumentsCollection string
	UsersCollection     string

	ObjectStoreBackend string
	DocumentsBucket    string
	PublicBaseURL      string
	S3                 s3compat.Config

	ClassifierBackend string
	ClassifierURL     string
	VertexRegion      string
	EKYCURL           string

	StepTimeout     time.Duration
	StepMaxAttempts int

	RetryWorkflowID  string
	WorkflowLocation string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionSigningKey string
	SessionTTL        time.Duration

	OTPTTL             time.Duration
	OTPMaxAttempts     int
	PhoneCountryPrefix string
	SMSGatewayURL      string

	LegacyOwnerFallback bool
}

// LoadConfig reads Config from the environment and reports the first
// missing or malformed variable.
func LoadConfig() (Config, error) {
	cfg := Config{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		DocumentsCollection: gcp.GetEnv("DOCUMENTS_COLLECTION", "documents"),
		UsersCollection:     gcp.GetEnv("USERS_COLLECTION", "users"),
		ObjectStoreBackend:  strings.ToLower(gcp.GetEnv("OBJECT_STORE_BACKEND", BackendGCS)),
		DocumentsBucket:     gcp.GetEnv("DOCUMENTS_BUCKET", ""),
		PublicBaseURL:       gcp.GetEnv("OBJECT_STORAGE_PUBLIC_BASE_URL", ""),
		ClassifierBackend:   strings.ToLower(gcp.GetEnv("CLASSIFIER_BACKEND", BackendHTTP)),
		ClassifierURL:       gcp.GetEnv("CLASSIFIER_URL", "http://localhost:8000"),
		VertexRegion:        gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		EKYCURL:             gcp.GetEnv("EKYC_URL", "http://localhost:8000"),
		RetryWorkflowID:     gcp.GetEnv("RETRY_WORKFLOW_ID", ""),
		WorkflowLocation:    gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		RedisAddr:           gcp.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       gcp.GetEnv("REDIS_PASSWORD", ""),
		SessionSigningKey:   gcp.GetEnv("SESSION_SIGNING_KEY", ""),
		PhoneCountryPrefix:  gcp.GetEnv("PHONE_COUNTRY_PREFIX", "+6"),
		SMSGatewayURL:       gcp.GetEnv("SMS_GATEWAY_URL", ""),
	}
	if cfg.ProjectID == "" {
		return Config{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if cfg.DocumentsBucket == "" {
		return Config{}, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}
	switch cfg.ObjectStoreBackend {
	case BackendGCS, BackendS3:
	default:
		return Config{}, fmt.Errorf("OBJECT_STORE_BACKEND must be %q or %q, got %q", BackendGCS, BackendS3, cfg.ObjectStoreBackend)
	}
	switch cfg.ClassifierBackend {
	case BackendHTTP, BackendVertex:
	default:
		return Config{}, fmt.Errorf("CLASSIFIER_BACKEND must be %q or %q, got %q", BackendHTTP, BackendVertex, cfg.ClassifierBackend)
	}

	var err error
	if cfg.StepTimeout, err = envDuration("STEP_TIMEOUT", 45*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = envDuration("SESSION_TTL", 720*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.OTPTTL, err = envDuration("OTP_TTL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.StepMaxAttempts, err = envInt("STEP_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.OTPMaxAttempts, err = envInt("OTP_MAX_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.LegacyOwnerFallback, err = envBool("LEGACY_OWNER_FALLBACK", true); err != nil {
		return Config{}, err
	}

	if cfg.ObjectStoreBackend == BackendS3 {
		useSSL, err := envBool("S3_USE_SSL", true)
		if err != nil {
			return Config{}, err
		}
		cfg.S3 = s3compat.Config{
			Endpoint:        gcp.GetEnv("S3_ENDPOINT", ""),
			AccessKeyID:     gcp.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: gcp.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Bucket:          cfg.DocumentsBucket,
			UseSSL:          useSSL,
			PublicBaseURL:   cfg.PublicBaseURL,
		}
		if cfg.S3.Endpoint == "" {
			return Config{}, fmt.Errorf("S3_ENDPOINT must be set when OBJECT_STORE_BACKEND=%s", BackendS3)
		}
	}
	return cfg, nil
}

func (c Config) ingestionConfig() IngestionConfig {
	return IngestionConfig{
		StepTimeout: c.StepTimeout,
		MaxAttempts: c.StepMaxAttempts,
		AcceptPDF:   c.ClassifierBackend == BackendVertex,
	}
}

func (c Config) identityConfig() IdentityConfig {
	return IdentityConfig{
		OTPTTL:             c.OTPTTL,
		OTPMaxAttempts:     c.OTPMaxAttempts,
		PhoneCountryPrefix: c.PhoneCountryPrefix,
		StepTimeout:        c.StepTimeout,
	}
}

func (c Config) vaultConfig() VaultConfig {
	return VaultConfig{LegacyOwnerFallback: c.LegacyOwnerFallback}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, raw)
	}
	return b, nil
}

// LogLevel reads LOG_LEVEL (debug, info, warn, error). Unknown values mean info.
func LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(gcp.GetEnv("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}
