package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"

	"github.com/facevector/face-embedding-service/embeddings"
	"github.com/facevector/face-embedding-service/models"
)

type stubEmbedder struct {
	embedding *embeddings.Embedding
	err       error
	lastBox   models.BoundingBox
}

func (s *stubEmbedder) Infer(_ image.Image, box models.BoundingBox) (*embeddings.Embedding, error) {
	s.lastBox = box
	if s.err != nil {
		return nil, s.err
	}
	return s.embedding, nil
}

func unitEmbedding() *embeddings.Embedding {
	return &embeddings.Embedding{Data: []float32{0, 1, 0, 0}, Rows: 1, Cols: 4}
}

// fakeStore backs fakeConn so tests run without a redis server
type fakeStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	ttls  map[string]int
	lists map[string][][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:  make(map[string][]byte),
		ttls:  make(map[string]int),
		lists: make(map[string][][]byte),
	}
}

func (s *fakeStore) get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

func (s *fakeStore) push(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], value)
}

func (s *fakeStore) queueLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[key])
}

func (s *fakeStore) pool() *redis.Pool {
	return redis.NewPool(func() (redis.Conn, error) {
		return &fakeConn{store: s}, nil
	}, 3)
}

type fakeConn struct {
	store *fakeStore
}

func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Err() error   { return nil }

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	switch cmd {
	case "SETEX":
		key := args[0].(string)
		ttl := args[1].(int)
		value := args[2].([]byte)
		c.store.ttls[key] = ttl
		c.store.data[key] = value
		return "OK", nil
	case "LPOP":
		key := args[0].(string)
		list := c.store.lists[key]
		if len(list) == 0 {
			return nil, redis.ErrNil
		}
		head := list[0]
		c.store.lists[key] = list[1:]
		return head, nil
	default:
		return nil, fmt.Errorf("fakeConn: unsupported command %s", cmd)
	}
}

func (c *fakeConn) Send(string, ...interface{}) error { return nil }
func (c *fakeConn) Flush() error                      { return nil }
func (c *fakeConn) Receive() (interface{}, error)     { return nil, nil }

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeTestImage(t *testing.T, width, height int) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 99, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	path := filepath.Join(t.TempDir(), "face.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func newTestWorker(stub *stubEmbedder, store *fakeStore) *worker {
	w := newWorker(1, make(chan chan Job, 1), Config{
		RedisPool: store.pool(),
		ResultTTL: 60,
		Log:       quietLog(),
	})
	w.embedder = stub
	return w
}

func TestResultKey(t *testing.T) {
	if got := ResultKey("abc-123"); got != "embedding:abc-123" {
		t.Errorf("ResultKey() = %q", got)
	}
}

func TestProcessSuccess(t *testing.T) {
	stub := &stubEmbedder{embedding: unitEmbedding()}
	w := newTestWorker(stub, newFakeStore())

	req := models.EmbeddingRequest{
		Uuid:     "job-1",
		Filename: writeTestImage(t, 64, 48),
		Box:      models.BoundingBox{XMin: 8, YMin: 8, XMax: 40, YMax: 40},
	}

	result := w.process(req)

	if result.Error != "" {
		t.Fatalf("Expected success, got error %q", result.Error)
	}
	if result.Uuid != "job-1" {
		t.Errorf("Expected uuid to carry over, got %q", result.Uuid)
	}
	if result.Dim != 4 || len(result.Embedding) != 4 {
		t.Errorf("Expected 4-wide embedding, got dim %d len %d", result.Dim, len(result.Embedding))
	}
	if result.Created == 0 {
		t.Error("Expected created timestamp")
	}
	if stub.lastBox != req.Box {
		t.Errorf("Expected box %+v, got %+v", req.Box, stub.lastBox)
	}
}

func TestProcessNormalizedBox(t *testing.T) {
	stub := &stubEmbedder{embedding: unitEmbedding()}
	w := newTestWorker(stub, newFakeStore())

	req := models.EmbeddingRequest{
		Uuid:       "job-2",
		Filename:   writeTestImage(t, 32, 24),
		Box:        models.BoundingBox{XMin: 0, YMin: 0, XMax: 1, YMax: 1},
		Normalized: true,
	}

	if result := w.process(req); result.Error != "" {
		t.Fatalf("Expected success, got error %q", result.Error)
	}

	want := models.BoundingBox{XMin: 0, YMin: 0, XMax: 32, YMax: 24}
	if stub.lastBox != want {
		t.Errorf("Expected scaled box %+v, got %+v", want, stub.lastBox)
	}
}

func TestProcessMissingFile(t *testing.T) {
	w := newTestWorker(&stubEmbedder{embedding: unitEmbedding()}, newFakeStore())

	result := w.process(models.EmbeddingRequest{
		Uuid:     "job-3",
		Filename: filepath.Join(t.TempDir(), "gone.png"),
		Box:      models.BoundingBox{XMin: 0, YMin: 0, XMax: 16, YMax: 16},
	})

	if result.Error == "" {
		t.Fatal("Expected error for missing file")
	}
	if result.Embedding != nil {
		t.Error("Expected no embedding on failure")
	}
}

func TestProcessInferenceError(t *testing.T) {
	stub := &stubEmbedder{err: &embeddings.Error{Code: embeddings.CodeInvalidRegion, Message: "box outside image"}}
	w := newTestWorker(stub, newFakeStore())

	result := w.process(models.EmbeddingRequest{
		Uuid:     "job-4",
		Filename: writeTestImage(t, 32, 32),
		Box:      models.BoundingBox{XMin: 100, YMin: 100, XMax: 200, YMax: 200},
	})

	if result.Error == "" {
		t.Fatal("Expected error from pipeline")
	}
}

func TestProcessRejectsEmptyBox(t *testing.T) {
	stub := &stubEmbedder{embedding: unitEmbedding()}
	w := newTestWorker(stub, newFakeStore())

	result := w.process(models.EmbeddingRequest{
		Uuid:     "job-7",
		Filename: writeTestImage(t, 32, 32),
		Box:      models.BoundingBox{XMin: 10, YMin: 4, XMax: 10, YMax: 28},
	})

	if result.Error == "" {
		t.Fatal("Expected error for a box without area")
	}
	if result.Embedding != nil {
		t.Error("Expected no embedding for a rejected job")
	}
}

func TestHandleStoresResultAndRemovesFile(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(&stubEmbedder{embedding: unitEmbedding()}, store)

	path := writeTestImage(t, 48, 48)
	w.handle(Job{Request: models.EmbeddingRequest{
		Uuid:     "job-5",
		Filename: path,
		Box:      models.BoundingBox{XMin: 4, YMin: 4, XMax: 44, YMax: 44},
	}})

	raw := store.get(ResultKey("job-5"))
	if raw == nil {
		t.Fatal("Expected result to be stored")
	}

	var result models.EmbeddingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal stored result: %v", err)
	}
	if result.Error != "" || result.Dim != 4 {
		t.Errorf("Unexpected stored result %+v", result)
	}

	if store.ttls[ResultKey("job-5")] != 60 {
		t.Errorf("Expected ttl 60, got %d", store.ttls[ResultKey("job-5")])
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected upload to be removed after success")
	}
}

func TestHandleKeepsFileOnFailure(t *testing.T) {
	store := newFakeStore()
	stub := &stubEmbedder{err: &embeddings.Error{Code: embeddings.CodeInference, Message: "execute graph"}}
	w := newTestWorker(stub, store)

	path := writeTestImage(t, 48, 48)
	w.handle(Job{Request: models.EmbeddingRequest{
		Uuid:     "job-6",
		Filename: path,
		Box:      models.BoundingBox{XMin: 4, YMin: 4, XMax: 44, YMax: 44},
	}})

	raw := store.get(ResultKey("job-6"))
	if raw == nil {
		t.Fatal("Expected failure result to be stored")
	}

	var result models.EmbeddingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal stored result: %v", err)
	}
	if result.Error == "" {
		t.Error("Expected stored result to carry the error")
	}

	if _, err := os.Stat(path); err != nil {
		t.Error("Expected upload to survive a failed embedding")
	}
}

func TestNewDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(Config{})

	if d.log == nil {
		t.Error("Expected a fallback logger")
	}
	if d.cfg.MaxWorkers != 1 {
		t.Errorf("Expected 1 worker by default, got %d", d.cfg.MaxWorkers)
	}
	if cap(d.jobQueue) != 100 {
		t.Errorf("Expected default queue size 100, got %d", cap(d.jobQueue))
	}
}

func TestRunFailsWhenEmbedderCannotBeBuilt(t *testing.T) {
	store := newFakeStore()
	payload, err := json.Marshal(models.EmbeddingRequest{
		Uuid:     "job-dead",
		Filename: "never-read.png",
		Box:      models.BoundingBox{XMin: 0, YMin: 0, XMax: 10, YMax: 10},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	store.push("faceembed", payload)

	d := NewDispatcher(Config{
		RedisPool:  store.pool(),
		QueueName:  "faceembed",
		MaxWorkers: 2,
		NewEmbedder: func() (Embedder, error) {
			return nil, fmt.Errorf("model missing")
		},
		Log: quietLog(),
	})

	if err := d.Run(); err == nil {
		t.Fatal("Expected Run to fail when no embedder can be built")
	}

	// Startup failure must not eat the queue: the job stays queued for a
	// healthy worker host, and no result is published for it.
	if n := store.queueLen("faceembed"); n != 1 {
		t.Errorf("Expected the job to stay queued, queue length %d", n)
	}
	if store.get(ResultKey("job-dead")) != nil {
		t.Error("Expected no result for an unserved job")
	}
}

func TestRunStopsAtFirstFailedWorker(t *testing.T) {
	calls := 0
	d := NewDispatcher(Config{
		RedisPool:  newFakeStore().pool(),
		MaxWorkers: 3,
		NewEmbedder: func() (Embedder, error) {
			calls++
			if calls > 1 {
				return nil, fmt.Errorf("model vanished")
			}
			return &stubEmbedder{embedding: unitEmbedding()}, nil
		},
		Log: quietLog(),
	})

	if err := d.Run(); err == nil {
		t.Fatal("Expected Run to fail when a worker cannot build an embedder")
	}
	if calls != 2 {
		t.Errorf("Expected construction to stop at the first failure, got %d factory calls", calls)
	}
	if len(d.workers) != 0 {
		t.Errorf("Expected no workers to stay registered, got %d", len(d.workers))
	}
}

func TestDispatcherEndToEnd(t *testing.T) {
	store := newFakeStore()
	path := writeTestImage(t, 64, 64)

	payload, err := json.Marshal(models.EmbeddingRequest{
		Uuid:     "job-e2e",
		Filename: path,
		Box:      models.BoundingBox{XMin: 4, YMin: 4, XMax: 60, YMax: 60},
		Created:  time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	store.push("faceembed", payload)

	d := NewDispatcher(Config{
		RedisPool:  store.pool(),
		QueueName:  "faceembed",
		ResultTTL:  120,
		MaxWorkers: 2,
		QueueSize:  10,
		NewEmbedder: func() (Embedder, error) {
			return &stubEmbedder{embedding: unitEmbedding()}, nil
		},
		Log: quietLog(),
	})
	if err := d.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Poll(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for store.get(ResultKey("job-e2e")) == nil {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for result")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var result models.EmbeddingResult
	if err := json.Unmarshal(store.get(ResultKey("job-e2e")), &result); err != nil {
		t.Fatalf("unmarshal stored result: %v", err)
	}
	if result.Error != "" || result.Dim != 4 {
		t.Errorf("Unexpected result %+v", result)
	}
}
