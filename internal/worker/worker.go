// Package worker drains embedding requests from a redis queue and publishes
// results back under a per-job key.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"

	"github.com/facevector/face-embedding-service/embeddings"
	"github.com/facevector/face-embedding-service/internal/imageutil"
	"github.com/facevector/face-embedding-service/models"
)

// Embedder is the slice of the embedding pipeline a worker needs.
type Embedder interface {
	Infer(img image.Image, box models.BoundingBox) (*embeddings.Embedding, error)
}

// Job holds one unit of work pulled off the queue.
type Job struct {
	Request models.EmbeddingRequest
}

// ResultKey names the redis key an EmbeddingResult is published under.
func ResultKey(uuid string) string {
	return "embedding:" + uuid
}

// Config wires a Dispatcher to redis and the embedding pipeline.
type Config struct {
	RedisPool *redis.Pool
	// QueueName is the redis list embedding requests are pushed onto.
	QueueName string
	// ResultTTL is how long results stay readable, in seconds.
	ResultTTL int
	// MaxWorkers is the number of concurrent embedding workers, each
	// owning its own execution context.
	MaxWorkers int
	// QueueSize bounds the in-process job queue.
	QueueSize int
	// NewEmbedder builds one embedder per worker.
	NewEmbedder func() (Embedder, error)
	Log         *logrus.Logger
}

type worker struct {
	id         int
	jobQueue   chan Job
	workerPool chan chan Job
	quitChan   chan bool

	embedder    Embedder
	newEmbedder func() (Embedder, error)
	redis       *redis.Pool
	resultTTL   int
	log         *logrus.Logger
}

func newWorker(id int, workerPool chan chan Job, cfg Config) *worker {
	return &worker{
		id:          id,
		jobQueue:    make(chan Job),
		workerPool:  workerPool,
		quitChan:    make(chan bool),
		newEmbedder: cfg.NewEmbedder,
		redis:       cfg.RedisPool,
		resultTTL:   cfg.ResultTTL,
		log:         cfg.Log,
	}
}

// start builds the worker's embedder and launches its run loop. A worker
// whose embedder cannot be built never registers with the dispatcher.
func (w *worker) start() error {
	embedder, err := w.newEmbedder()
	if err != nil {
		return err
	}
	w.embedder = embedder

	w.log.Debug("[Worker] Worker ", w.id, " starting")

	go func() {
		for {
			// Announce availability to the dispatcher.
			w.workerPool <- w.jobQueue

			select {
			case job := <-w.jobQueue:
				w.handle(job)
			case <-w.quitChan:
				w.log.Debug("[Worker] Worker ", w.id, " stopping")
				return
			}
		}
	}()

	return nil
}

func (w *worker) stop() {
	go func() {
		w.quitChan <- true
	}()
}

func (w *worker) handle(job Job) {
	result := w.process(job.Request)
	if result.Error != "" {
		w.log.Debugf("[Worker] Couldn't embed %s: %s", job.Request.Uuid, result.Error)
	}

	if err := w.store(result); err != nil {
		w.log.Debugf("[Worker] Couldn't store result for %s: %v", job.Request.Uuid, err)
		return
	}

	if result.Error == "" {
		// Successfully embedded; the uploaded file is no longer needed.
		if err := os.Remove(job.Request.Filename); err != nil {
			w.log.Debugf("[Worker] Couldn't remove file: %v", err)
		}
	}
}

// process runs one request through the pipeline and folds any failure into
// the result's Error field.
func (w *worker) process(req models.EmbeddingRequest) models.EmbeddingResult {
	result := models.EmbeddingResult{Uuid: req.Uuid, Created: time.Now().Unix()}

	// An empty box can never crop; skip the file read.
	if req.Box.Empty() {
		result.Error = "bounding box covers no area"
		return result
	}

	img, err := imageutil.DecodeFile(req.Filename)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	box := req.Box
	if req.Normalized {
		bounds := img.Bounds()
		box = box.Scale(float64(bounds.Dx()), float64(bounds.Dy()))
	}

	emb, err := w.embedder.Infer(img, box)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Dim = emb.Dim()
	result.Embedding = emb.Vector()
	return result
}

// store publishes the result with an expiration; stale results are useless
// to the producer, so they age out on their own.
func (w *worker) store(result models.EmbeddingResult) error {
	serialized, err := json.Marshal(result)
	if err != nil {
		return err
	}

	conn := w.redis.Get()
	defer conn.Close()

	_, err = conn.Do("SETEX", ResultKey(result.Uuid), w.resultTTL, serialized)
	return err
}

// Dispatcher fans queued jobs out to a fixed set of workers.
type Dispatcher struct {
	cfg        Config
	jobQueue   chan Job
	workerPool chan chan Job
	workers    []*worker
	quit       chan bool
	log        *logrus.Logger
}

// NewDispatcher builds a dispatcher; Run starts it.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &Dispatcher{
		cfg:        cfg,
		jobQueue:   make(chan Job, cfg.QueueSize),
		workerPool: make(chan chan Job, cfg.MaxWorkers),
		quit:       make(chan bool),
		log:        cfg.Log,
	}
}

// Run starts the workers and the dispatch loop. It fails fast when a worker
// cannot build its embedder: a dispatcher with dead workers would keep
// consuming jobs nobody can resolve, so startup failure leaves the queue
// untouched.
func (d *Dispatcher) Run() error {
	for i := 0; i < d.cfg.MaxWorkers; i++ {
		w := newWorker(i+1, d.workerPool, d.cfg)
		if err := w.start(); err != nil {
			for _, started := range d.workers {
				started.stop()
			}
			d.workers = nil
			return fmt.Errorf("worker %d: build embedder: %w", w.id, err)
		}
		d.workers = append(d.workers, w)
	}

	go d.dispatch()
	return nil
}

// Stop halts the dispatch loop and the workers. Jobs already handed to a
// worker finish.
func (d *Dispatcher) Stop() {
	close(d.quit)
	for _, w := range d.workers {
		w.stop()
	}
}

func (d *Dispatcher) dispatch() {
	for {
		select {
		case job := <-d.jobQueue:
			go func(job Job) {
				workerJobQueue := <-d.workerPool
				workerJobQueue <- job
			}(job)
		case <-d.quit:
			return
		}
	}
}

// Poll pulls embedding requests off the redis queue and feeds the job queue
// until ctx is done.
func (d *Dispatcher) Poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn := d.cfg.RedisPool.Get()
		data, err := redis.Bytes(conn.Do("LPOP", d.cfg.QueueName))
		conn.Close()
		if err != nil {
			if err != redis.ErrNil {
				d.log.Debugf("[Dispatcher] Queue read failed: %v", err)
			}
			// Nothing queued; back off for a second.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		d.log.Debug("[Dispatcher] Got a new embedding request")

		var req models.EmbeddingRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.log.Debugf("[Dispatcher] Couldn't unmarshal request: %v", err)
			continue
		}

		d.jobQueue <- Job{Request: req}
	}
}
