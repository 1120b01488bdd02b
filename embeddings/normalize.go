package embeddings

import "math"

// Embedding is a batch of face signature vectors, one vector per row. The
// Embedder produces batches of one row; the type still carries the row count
// so batched models keep working unchanged.
type Embedding struct {
	Data []float32
	Rows int
	Cols int
}

// Row returns the i-th signature vector. The slice aliases the embedding's
// backing storage.
func (e *Embedding) Row(i int) []float32 {
	return e.Data[i*e.Cols : (i+1)*e.Cols]
}

// Dim returns the signature width, as reported by the model that produced
// the embedding.
func (e *Embedding) Dim() int { return e.Cols }

// Vector returns the first row, the single signature for batch size one.
func (e *Embedding) Vector() []float32 { return e.Row(0) }

// L2Normalize rescales every row of raw to unit Euclidean norm and returns
// the result as a new Embedding; raw is left untouched. Rows with zero norm
// are copied through unchanged rather than divided.
func L2Normalize(raw *Embedding) *Embedding {
	out := &Embedding{
		Data: make([]float32, len(raw.Data)),
		Rows: raw.Rows,
		Cols: raw.Cols,
	}
	copy(out.Data, raw.Data)
	for i := 0; i < out.Rows; i++ {
		normalizeRow(out.Row(i))
	}
	return out
}

// normalizeRow rescales v to unit norm in place, accumulating in float64 to
// keep wide vectors stable. Zero vectors are left as-is.
func normalizeRow(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
