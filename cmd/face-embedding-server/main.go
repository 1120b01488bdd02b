package main

import (
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/facevector/face-embedding-service/embeddings"
	"github.com/facevector/face-embedding-service/internal/config"
	"github.com/facevector/face-embedding-service/internal/server"
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

	log.Infof("[Main] Loading embedding model from %s", cfg.ModelPath)

	pool, err := embeddings.NewPool(cfg.PoolSize, func() (*embeddings.Embedder, error) {
		return embeddings.NewWithConfig(cfg.EmbedderConfig())
	})
	if err != nil {
		log.Fatalf("[Main] Failed to create embedder pool: %v", err)
	}
	defer pool.Destroy()

	srv := &http.Server{
		Handler:      server.New(server.PoolAdapter{Pool: pool}, log),
		Addr:         cfg.ListenAddr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	log.Infof("[Main] Starting server on %s (pool size %d)", cfg.ListenAddr, pool.Size())
	log.Fatal(srv.ListenAndServe())
}
