// Package config loads service and worker settings from environment
// variables matching .env.example.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/facevector/face-embedding-service/embeddings"
)

// Config holds the embedding service configuration
type Config struct {
	// HTTP server configuration
	ListenAddr string

	// Model configuration
	ModelPath        string
	OnnxLibraryPath  string
	PoolSize         int
	InferenceThreads int

	// Preprocessing contract of the deployed model variant
	TargetSize     int
	RangeMin       float64
	RangeMax       float64
	ChannelOrder   string
	FlipHorizontal bool

	// Worker queue configuration
	RedisAddress string
	QueueName    string
	ResultTTL    int
	MaxWorkers   int
	JobQueueSize int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       getEnvOrDefault("LISTEN_ADDR", "127.0.0.1:8080"),
		ModelPath:        getEnvOrDefault("MODEL_PATH", embeddings.DefaultModelPath),
		OnnxLibraryPath:  getEnvOrDefault(embeddings.SharedLibraryEnv, ""),
		PoolSize:         getEnvAsIntOrDefault("POOL_SIZE", embeddings.DefaultPoolSize),
		InferenceThreads: getEnvAsIntOrDefault("INFERENCE_THREADS", 0),
		TargetSize:       getEnvAsIntOrDefault("TARGET_SIZE", 112),
		RangeMin:         getEnvAsFloatOrDefault("RANGE_MIN", 0),
		RangeMax:         getEnvAsFloatOrDefault("RANGE_MAX", 1),
		ChannelOrder:     getEnvOrDefault("CHANNEL_ORDER", string(embeddings.OrderRGB)),
		FlipHorizontal:   getEnvAsBoolOrDefault("FLIP_HORIZONTAL", false),
		RedisAddress:     getEnvOrDefault("REDIS_ADDRESS", ":6379"),
		QueueName:        getEnvOrDefault("QUEUE_NAME", "faceembed"),
		ResultTTL:        getEnvAsIntOrDefault("RESULT_TTL", 3600),
		MaxWorkers:       getEnvAsIntOrDefault("MAX_WORKERS", 4),
		JobQueueSize:     getEnvAsIntOrDefault("JOB_QUEUE_SIZE", 100),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	if c.ModelPath == "" {
		return fmt.Errorf("MODEL_PATH is required")
	}

	if c.PoolSize < 1 || c.PoolSize > 64 {
		return fmt.Errorf("POOL_SIZE must be between 1 and 64, got %d", c.PoolSize)
	}

	if c.TargetSize < 1 {
		return fmt.Errorf("TARGET_SIZE must be positive, got %d", c.TargetSize)
	}

	if c.RangeMax <= c.RangeMin {
		return fmt.Errorf("RANGE_MAX must exceed RANGE_MIN, got [%g,%g]", c.RangeMin, c.RangeMax)
	}

	order := embeddings.ChannelOrder(c.ChannelOrder)
	if order != embeddings.OrderRGB && order != embeddings.OrderBGR {
		return fmt.Errorf("CHANNEL_ORDER must be RGB or BGR, got %q", c.ChannelOrder)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.ResultTTL < 1 {
		return fmt.Errorf("RESULT_TTL must be positive, got %d", c.ResultTTL)
	}

	if c.MaxWorkers < 1 || c.MaxWorkers > 100 {
		return fmt.Errorf("MAX_WORKERS must be between 1 and 100, got %d", c.MaxWorkers)
	}

	if c.JobQueueSize < 1 {
		return fmt.Errorf("JOB_QUEUE_SIZE must be positive, got %d", c.JobQueueSize)
	}

	return nil
}

// EmbedderConfig maps the loaded settings onto the embedding pipeline's
// configuration.
func (c *Config) EmbedderConfig() embeddings.Config {
	return embeddings.Config{
		ModelPath: c.ModelPath,
		Preprocess: embeddings.PreprocessConfig{
			TargetSize:     c.TargetSize,
			Range:          embeddings.ValueRange{Min: float32(c.RangeMin), Max: float32(c.RangeMax)},
			Order:          embeddings.ChannelOrder(c.ChannelOrder),
			FlipHorizontal: c.FlipHorizontal,
		},
		Threads: c.InferenceThreads,
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
