package common

import (
	"os"
	"strconv"
	"time"

	"github.com/confirmd/confirmd/constants"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Gate       GateConfig
	Extraction ExtractionConfig
	Scoring    ScoringConfig
	Claim      ClaimConfig
	Workers    WorkerConfig
}

// DatabaseConfig holds database-related configuration.
// An empty DSN selects the in-memory repositories (dev/demo mode).
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr    string
	DataDir string
}

// GateConfig holds input gate limits
type GateConfig struct {
	MinFileBytes  int
	MaxFileSizeMB float64
	MaxPageCount  int
}

// ExtractionConfig holds AI collaborator configuration
type ExtractionConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	JudgeModel   string
	Temperature  float32
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// ScoringConfig holds the externally tunable score parameters
type ScoringConfig struct {
	ArchiveThreshold int
}

// ClaimConfig holds review queue locking parameters
type ClaimConfig struct {
	TTL time.Duration
}

// WorkerConfig holds the processing worker pool parameters
type WorkerConfig struct {
	Count          int
	QueueSize      int
	ProcessTimeout time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr:    getEnv("HTTP_ADDR", ":8080"),
			DataDir: getEnv("DATA_DIR", "./data"),
		},
		Gate: GateConfig{
			MinFileBytes:  getEnvAsInt("GATE_MIN_FILE_BYTES", constants.MinFileBytes),
			MaxFileSizeMB: getEnvAsFloat64("GATE_MAX_FILE_SIZE_MB", constants.MaxFileSizeMB),
			MaxPageCount:  getEnvAsInt("GATE_MAX_PAGE_COUNT", constants.MaxPageCount),
		},
		Extraction: ExtractionConfig{
			BaseURL:      getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			APIKey:       getEnv("GEMINI_API_KEY", ""),
			Model:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			JudgeModel:   getEnv("JUDGE_MODEL", "gemini-2.0-pro"),
			Temperature:  getEnvAsFloat32("GEMINI_TEMPERATURE", 0.0),
			Timeout:      getEnvAsDuration("GEMINI_TIMEOUT", 90*time.Second),
			MaxAttempts:  getEnvAsInt("EXTRACTION_MAX_ATTEMPTS", 2),
			RetryBackoff: getEnvAsDuration("EXTRACTION_RETRY_BACKOFF", 2*time.Second),
		},
		Scoring: ScoringConfig{
			ArchiveThreshold: getEnvAsInt("SCORE_ARCHIVE_THRESHOLD", 85),
		},
		Claim: ClaimConfig{
			TTL: getEnvAsDuration("CLAIM_TTL", 15*time.Minute),
		},
		Workers: WorkerConfig{
			Count:          getEnvAsInt("WORKER_COUNT", 4),
			QueueSize:      getEnvAsInt("WORKER_QUEUE_SIZE", 256),
			ProcessTimeout: getEnvAsDuration("WORKER_PROCESS_TIMEOUT", 5*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration. Missing credentials or broken
// thresholds are fatal at startup, never per-document.
func (c *Config) Validate() error {
	if c.Extraction.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "GEMINI_API_KEY is required", ErrConfiguration)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrConfiguration)
	}
	if c.Scoring.ArchiveThreshold < 0 || c.Scoring.ArchiveThreshold > 100 {
		return NewAppError("CONFIG_ERROR", "SCORE_ARCHIVE_THRESHOLD must be in [0,100]", ErrConfiguration)
	}
	if c.Claim.TTL <= 0 {
		return NewAppError("CONFIG_ERROR", "CLAIM_TTL must be positive", ErrConfiguration)
	}
	if c.Extraction.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "EXTRACTION_MAX_ATTEMPTS must be at least 1", ErrConfiguration)
	}
	return nil
}
