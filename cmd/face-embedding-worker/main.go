package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomodule/redigo/redis"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/facevector/face-embedding-service/embeddings"
	"github.com/facevector/face-embedding-service/internal/config"
	"github.com/facevector/face-embedding-service/internal/worker"
)

func main() {
	log := logrus.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Debug("[Main] No .env file found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] Failed to load configuration: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Initialize ONNX Runtime
	if err := embeddings.InitRuntime(cfg.OnnxLibraryPath); err != nil {
		log.Fatalf("[Main] Failed to initialize onnxruntime: %v", err)
	}
	defer embeddings.DestroyRuntime()

	redisPool := redis.NewPool(func() (redis.Conn, error) {
		return redis.Dial("tcp", cfg.RedisAddress)
	}, cfg.MaxWorkers+2)
	defer redisPool.Close()

	dispatcher := worker.NewDispatcher(worker.Config{
		RedisPool:  redisPool,
		QueueName:  cfg.QueueName,
		ResultTTL:  cfg.ResultTTL,
		MaxWorkers: cfg.MaxWorkers,
		QueueSize:  cfg.JobQueueSize,
		NewEmbedder: func() (worker.Embedder, error) {
			return embeddings.NewWithConfig(cfg.EmbedderConfig())
		},
		Log: log,
	})
	if err := dispatcher.Run(); err != nil {
		log.Fatalf("[Main] Failed to start embedding workers: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("[Main] Received signal %v, shutting down...", sig)
		cancel()
	}()

	log.Infof("[Main] Polling queue %q on %s with %d workers", cfg.QueueName, cfg.RedisAddress, cfg.MaxWorkers)
	dispatcher.Poll(ctx)

	dispatcher.Stop()
	log.Info("[Main] Shutdown complete")
}
