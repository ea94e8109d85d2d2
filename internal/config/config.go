package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only BACKEND_BASE_URL and DEVICE_ID
// are required.
type Config struct {
	// Local HTTP API (consumed by the device UI)
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Durable store
	DataDir string

	// Remote backend
	BackendBaseURL string
	DeviceID       string
	SubmitTimeout  time.Duration

	// Sync engine
	BatchSize  int
	MaxRetries int
	// RepassDelay is the pause before a follow-up pass when eligible items
	// remain after a batch. Deliberately non-zero: the engine yields between
	// batches instead of looping.
	RepassDelay time.Duration

	// Rate limiting: maximum submissions per second per endpoint class
	RateLimit int

	// Scheduler
	SyncInterval  time.Duration
	PurgeInterval time.Duration
	RetainSynced  int
}

func Load() (*Config, error) {
	baseURL := os.Getenv("BACKEND_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("BACKEND_BASE_URL is required")
	}
	deviceID := os.Getenv("DEVICE_ID")
	if deviceID == "" {
		return nil, fmt.Errorf("DEVICE_ID is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8091"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		DataDir: getEnv("DATA_DIR", "./data"),

		BackendBaseURL: baseURL,
		DeviceID:       deviceID,
		SubmitTimeout:  getDuration("SUBMIT_TIMEOUT", 10*time.Second),

		BatchSize:   getInt("SYNC_BATCH_SIZE", 5),
		MaxRetries:  getInt("SYNC_MAX_RETRIES", 3),
		RepassDelay: getDuration("SYNC_REPASS_DELAY", 2*time.Second),

		RateLimit: getInt("RATE_LIMIT_PER_ENDPOINT", 10),

		SyncInterval:  getDuration("SYNC_INTERVAL", 30*time.Second),
		PurgeInterval: getDuration("PURGE_INTERVAL", 10*time.Minute),
		RetainSynced:  getInt("RETAIN_SYNCED", 50),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
