package embeddings

import (
	"image"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/facevector/face-embedding-service/models"
)

// DefaultModelPath is the conventional location of the embedding graph.
const DefaultModelPath = "./models/face_embeddings.onnx"

// Config selects the model file and its numeric input contract.
type Config struct {
	// ModelPath locates the serialized graph. Empty selects
	// DefaultModelPath.
	ModelPath string
	// Preprocess fixes the input contract of the model variant. The zero
	// value selects DefaultPreprocess.
	Preprocess PreprocessConfig
	// Threads caps the intra- and inter-op thread counts of the execution
	// context. Zero means one thread per CPU.
	Threads int
}

// Embedder owns one loaded face embedding model and one execution context.
//
// The model definition is immutable after construction. The execution
// context is mutable shared state, so Infer serializes on an internal mutex:
// a single Embedder is safe for concurrent use but runs one inference at a
// time. Use a Pool when inferences must run in parallel.
type Embedder struct {
	modelPath  string
	preprocess PreprocessConfig

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// New loads the model at modelPath (DefaultModelPath when empty) with the
// default preprocessing contract. InitRuntime must have succeeded first.
func New(modelPath string) (*Embedder, error) {
	return NewWithConfig(Config{ModelPath: modelPath, Preprocess: DefaultPreprocess()})
}

// NewWithConfig loads the model and builds its execution context. The
// graph's own input and output tensor names are read from its metadata, so
// differently exported model variants load without renaming.
func NewWithConfig(cfg Config) (*Embedder, error) {
	modelPath := cfg.ModelPath
	if modelPath == "" {
		modelPath = DefaultModelPath
	}
	pre := cfg.Preprocess
	if pre == (PreprocessConfig{}) {
		pre = DefaultPreprocess()
	}
	if err := pre.validate(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, newError(CodeModelLoad, err, "load model %s", modelPath)
	}
	if len(inputs) == 0 {
		return nil, newError(CodeModelLoad, nil, "model %s declares no inputs", modelPath)
	}
	if len(outputs) == 0 {
		return nil, newError(CodeMissingOutputInfo, nil, "model %s declares no outputs", modelPath)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, newError(CodeModelLoad, err, "create session options")
	}
	defer options.Destroy()

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, newError(CodeModelLoad, err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, newError(CodeModelLoad, err, "set inter-op threads")
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		options,
	)
	if err != nil {
		return nil, newError(CodeModelLoad, err, "create session for %s", modelPath)
	}

	return &Embedder{
		modelPath:  modelPath,
		preprocess: pre,
		session:    session,
	}, nil
}

// Destroy releases the execution context. The Embedder must not be used
// afterwards.
func (e *Embedder) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// Infer runs the full pipeline on one face: crop img to box, preprocess to
// the model's input contract, execute the graph and L2-normalize the raw
// output. The result has one row per batch entry (the batch axis is fixed at
// one) and the signature width the model itself reports.
func (e *Embedder) Infer(img image.Image, box models.BoundingBox) (*Embedding, error) {
	return e.InferTimed(img, box, nil)
}

// InferTimed is Infer with per-stage durations recorded into timings when it
// is non-nil.
func (e *Embedder) InferTimed(img image.Image, box models.BoundingBox, timings *models.EmbeddingTimings) (*Embedding, error) {
	start := time.Now()

	// Crop the face region
	cropStart := time.Now()
	face, err := Crop(img, box)
	if err != nil {
		return nil, err
	}
	if timings != nil {
		timings.Crop = time.Since(cropStart)
	}

	// Resize and remap into the model's input contract
	prepStart := time.Now()
	tensor, err := ToTensor(face, e.preprocess)
	if err != nil {
		return nil, err
	}
	if timings != nil {
		timings.Preprocess = time.Since(prepStart)
	}

	// Run inference
	inferStart := time.Now()
	raw, err := e.run(tensor)
	if err != nil {
		return nil, err
	}
	if timings != nil {
		timings.Inference = time.Since(inferStart)
	}

	// Normalize rows to unit norm
	normStart := time.Now()
	normalized := L2Normalize(raw)
	if timings != nil {
		timings.Normalize = time.Since(normStart)
		timings.Total = time.Since(start)
	}

	return normalized, nil
}

// run submits one preprocessed face to the graph. The input gains a leading
// batch axis of one; the output's shape is read back from the tensor the
// runtime allocates, never assumed.
func (e *Embedder) run(tensor *ImageTensor) (*Embedding, error) {
	inputShape := ort.NewShape(1, int64(tensor.Height), int64(tensor.Width), int64(tensor.Channels))
	input, err := ort.NewTensor(inputShape, tensor.Data)
	if err != nil {
		return nil, newError(CodeAllocation, err, "allocate %v input tensor", inputShape)
	}
	defer input.Destroy()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, newError(CodeInference, nil, "embedder already destroyed")
	}

	// A nil output slot makes the runtime allocate the result tensor, which
	// is what carries the model's true output shape.
	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, newError(CodeInference, err, "execute graph %s", e.modelPath)
	}
	if outputs[0] == nil {
		return nil, newError(CodeMissingOutputInfo, nil, "runtime returned no output value")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, newError(CodeMissingOutputInfo, nil, "output is not a float32 tensor")
	}
	dims := out.GetShape()
	if len(dims) != 2 {
		return nil, newError(CodeMissingOutputInfo, nil, "output shape %v is not (batch, dim)", dims)
	}

	rows, cols := int(dims[0]), int(dims[1])
	if rows <= 0 || cols <= 0 {
		return nil, newError(CodeMissingOutputInfo, nil, "output shape %v has empty axes", dims)
	}

	data := make([]float32, rows*cols)
	copy(data, out.GetData())
	return &Embedding{Data: data, Rows: rows, Cols: cols}, nil
}
