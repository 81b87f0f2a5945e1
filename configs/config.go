// Package config loads queuectl's process configuration from environment
// variables with typed defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds every environment-tunable setting for the queuectl binary.
type Config struct {
	// DataDir holds the SQLite database file and the per-job log directory.
	DataDir string

	// DashboardAddr is the loopback address the read-only HTTP dashboard
	// binds to.
	DashboardAddr string

	// LogLevel/LogEncoding/LogOutput feed logger.Config directly.
	LogLevel    string
	LogEncoding string
	LogOutput   string

	// S3Bucket enables remote log archival when non-empty.
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// TracingEndpoint, when set, points the OTLP exporter at a collector;
	// empty disables tracing export (no-op spans).
	TracingEndpoint string

	// ReapGraceSeconds is added to a job's own timeout before its
	// `processing` row is considered orphaned.
	ReapGraceSeconds int

	// WorkerCount is the default pool size for `worker start`; 0 triggers
	// host-resource auto-sizing.
	WorkerCount int
}

// DBPath returns the path to the SQLite database file under DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "queuectl.db")
}

// LogDir returns the directory holding per-job log files under DataDir.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Load reads configuration from the environment, falling back to defaults
// suitable for a single-host development run.
func Load() Config {
	return Config{
		DataDir:       getEnv("QUEUECTL_DATA_DIR", "./data"),
		DashboardAddr: getEnv("QUEUECTL_DASHBOARD_ADDR", "127.0.0.1:8080"),

		LogLevel:    getEnv("QUEUECTL_LOG_LEVEL", "info"),
		LogEncoding: getEnv("QUEUECTL_LOG_ENCODING", "console"),
		LogOutput:   getEnv("QUEUECTL_LOG_OUTPUT", "stdout"),

		S3Bucket:    getEnv("QUEUECTL_S3_BUCKET", ""),
		S3Prefix:    getEnv("QUEUECTL_S3_PREFIX", "queuectl/logs"),
		S3Region:    getEnv("QUEUECTL_S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("QUEUECTL_S3_ENDPOINT", ""),
		S3AccessKey: getEnv("QUEUECTL_S3_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("QUEUECTL_S3_SECRET_ACCESS_KEY", ""),

		TracingEndpoint: getEnv("QUEUECTL_OTLP_ENDPOINT", ""),

		ReapGraceSeconds: getEnvAsInt("QUEUECTL_REAP_GRACE_SECONDS", 30),
		WorkerCount:      getEnvAsInt("QUEUECTL_WORKER_COUNT", 0),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
