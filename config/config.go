// config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port           string
	CassandraHosts []string
	RedisAddr      string
	MinIO          MinIOConfig

	// UploadDir is the root of the shared media tree (original/, processed/,
	// thumbnails/, hls/).
	UploadDir string

	// Pipeline tuning
	WorkerConcurrency int
	MaxAttempts       int
	BackoffInitial    time.Duration
	StallThreshold    time.Duration
	StallInterval     time.Duration
	MaxStalls         int

	// Terminal-job retention for queue cleanup
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	ArchiveEnabled  bool
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "3000"),
		CassandraHosts: []string{
			getEnv("CASSANDRA_HOST", "127.0.0.1:9042"),
		},
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		MinIO: MinIOConfig{
			Endpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:          false,
			BucketName:      getEnv("MINIO_BUCKET", "videos"),
			ArchiveEnabled:  getEnvBool("MINIO_ARCHIVE", false),
		},
		UploadDir:          getEnv("UPLOAD_DIR", "./uploads"),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 5),
		MaxAttempts:        getEnvInt("MAX_ATTEMPTS", 3),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", time.Second),
		StallThreshold:     getEnvDuration("STALL_THRESHOLD", 30*time.Second),
		StallInterval:      getEnvDuration("STALL_INTERVAL", 30*time.Second),
		MaxStalls:          getEnvInt("MAX_STALLS", 2),
		CompletedRetention: getEnvDuration("COMPLETED_RETENTION", 24*time.Hour),
		FailedRetention:    getEnvDuration("FAILED_RETENTION", 7*24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
