package embeddings

import (
	"math"
	"testing"
)

func rowNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestL2NormalizeUnitNorm(t *testing.T) {
	raw := &Embedding{
		Data: []float32{3, 4, 0, 0, 1, -2, 2, 4},
		Rows: 2,
		Cols: 4,
	}

	norm := L2Normalize(raw)

	for i := 0; i < norm.Rows; i++ {
		if n := rowNorm(norm.Row(i)); math.Abs(n-1) > 1e-6 {
			t.Errorf("Row %d norm: expected 1, got %g", i, n)
		}
	}
}

func TestL2NormalizeKnownValues(t *testing.T) {
	raw := &Embedding{Data: []float32{3, 4}, Rows: 1, Cols: 2}

	norm := L2Normalize(raw)

	want := []float32{0.6, 0.8}
	for i, v := range norm.Vector() {
		if math.Abs(float64(v-want[i])) > 1e-7 {
			t.Errorf("Element %d: expected %g, got %g", i, want[i], v)
		}
	}
}

func TestL2NormalizeZeroRowPassthrough(t *testing.T) {
	raw := &Embedding{
		Data: []float32{0, 0, 0, 3, 0, 4},
		Rows: 2,
		Cols: 3,
	}

	norm := L2Normalize(raw)

	// The zero row must come through untouched, not as NaN
	for i, v := range norm.Row(0) {
		if v != 0 {
			t.Errorf("Zero row element %d: expected 0, got %g", i, v)
		}
	}
	if n := rowNorm(norm.Row(1)); math.Abs(n-1) > 1e-6 {
		t.Errorf("Non-zero row norm: expected 1, got %g", n)
	}
}

func TestL2NormalizeLeavesInputUntouched(t *testing.T) {
	raw := &Embedding{Data: []float32{3, 4}, Rows: 1, Cols: 2}

	_ = L2Normalize(raw)

	if raw.Data[0] != 3 || raw.Data[1] != 4 {
		t.Errorf("Input mutated: got %v", raw.Data)
	}
}

func TestL2NormalizeIdempotent(t *testing.T) {
	raw := &Embedding{Data: []float32{1, -5, 2.5, 7}, Rows: 1, Cols: 4}

	once := L2Normalize(raw)
	twice := L2Normalize(once)

	for i := range once.Data {
		if diff := math.Abs(float64(once.Data[i] - twice.Data[i])); diff > 1e-7 {
			t.Errorf("Element %d drifted on second pass: %g vs %g", i, once.Data[i], twice.Data[i])
		}
	}
}

func TestEmbeddingAccessors(t *testing.T) {
	e := &Embedding{Data: []float32{1, 2, 3, 4, 5, 6}, Rows: 2, Cols: 3}

	if e.Dim() != 3 {
		t.Errorf("Expected dim 3, got %d", e.Dim())
	}
	if got := e.Row(1); got[0] != 4 || got[1] != 5 || got[2] != 6 {
		t.Errorf("Row(1): expected [4 5 6], got %v", got)
	}
	if got := e.Vector(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Vector(): expected [1 2 3], got %v", got)
	}
}
