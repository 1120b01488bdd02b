package models

import "time"

// BoundingBox locates a face in image pixel space. Detectors interpolate, so
// coordinates may be fractional; cropping truncates them toward zero.
type BoundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

func (b BoundingBox) Width() float64  { return b.XMax - b.XMin }
func (b BoundingBox) Height() float64 { return b.YMax - b.YMin }

// Empty reports whether the box covers no area.
func (b BoundingBox) Empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// Scale maps a box given in relative [0,1] coordinates to absolute pixels.
func (b BoundingBox) Scale(width, height float64) BoundingBox {
	return BoundingBox{
		XMin: b.XMin * width,
		YMin: b.YMin * height,
		XMax: b.XMax * width,
		YMax: b.YMax * height,
	}
}

// EmbeddingTimings collects per-stage durations of one embedding request.
type EmbeddingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Crop        time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Normalize   time.Duration
	Total       time.Duration
}

// EmbeddingRequest is one queued job: embed the face at Box inside the image
// stored at Filename. When Normalized is set the box is in relative [0,1]
// coordinates.
type EmbeddingRequest struct {
	Uuid       string      `json:"uuid"`
	Filename   string      `json:"filename"`
	Box        BoundingBox `json:"box"`
	Normalized bool        `json:"normalized"`
	Created    int64       `json:"created"`
}

// EmbeddingResult is published back to the queue's result key. Either Error
// is empty and Embedding holds the unit-norm signature, or Error describes
// the failure and Embedding is nil.
type EmbeddingResult struct {
	Uuid      string    `json:"uuid"`
	Dim       int       `json:"dim,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
	Created   int64     `json:"created"`
}
