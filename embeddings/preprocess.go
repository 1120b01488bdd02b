package embeddings

import (
	"image"

	"github.com/disintegration/imaging"
)

// tensorChannels is fixed: the embedding models consume three-channel color
// input. Grayscale and alpha sources are expanded during decoding.
const tensorChannels = 3

// ChannelOrder fixes the per-pixel channel layout of the generated tensor.
type ChannelOrder string

const (
	OrderRGB ChannelOrder = "RGB"
	OrderBGR ChannelOrder = "BGR"
)

// ValueRange is the closed interval pixel values are remapped into.
type ValueRange struct {
	Min float32
	Max float32
}

// PreprocessConfig fixes the numeric input contract of an embedding model.
// The values are not recoverable from the graph file and must match the
// model's training-time preprocessing exactly.
type PreprocessConfig struct {
	// TargetSize is the square side length the face crop is resized to.
	TargetSize int
	// Range is the interval source values [0,255] are mapped into.
	Range ValueRange
	// Order is the per-pixel channel order the model expects.
	Order ChannelOrder
	// FlipHorizontal mirrors the crop before conversion.
	FlipHorizontal bool
}

// DefaultPreprocess matches the face_embeddings model family: 112x112
// bilinear resize, values in [0,1], RGB channel order, no mirroring.
func DefaultPreprocess() PreprocessConfig {
	return PreprocessConfig{
		TargetSize: 112,
		Range:      ValueRange{Min: 0, Max: 1},
		Order:      OrderRGB,
	}
}

func (c PreprocessConfig) validate() error {
	if c.TargetSize <= 0 {
		return newError(CodeUnsupportedShape, nil, "target size must be positive, got %d", c.TargetSize)
	}
	if c.Range.Max <= c.Range.Min {
		return newError(CodeUnsupportedShape, nil, "value range [%g,%g] is empty", c.Range.Min, c.Range.Max)
	}
	if c.Order != OrderRGB && c.Order != OrderBGR {
		return newError(CodeUnsupportedShape, nil, "unknown channel order %q", c.Order)
	}
	return nil
}

// ImageTensor is a float32 tensor in HWC layout, channels interleaved per
// pixel. It carries no batch axis; the session adds one on submission.
type ImageTensor struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// ToTensor resizes img to the configured square size with bilinear
// interpolation and remaps every channel value into the configured range.
// The interpolation filter is fixed: swapping it changes the numbers the
// model sees and silently degrades embedding quality.
func ToTensor(img image.Image, cfg PreprocessConfig) (*ImageTensor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, newError(CodeUnsupportedShape, nil, "source image is empty (%dx%d)", bounds.Dx(), bounds.Dy())
	}

	resized := imaging.Resize(img, cfg.TargetSize, cfg.TargetSize, imaging.Linear)
	if cfg.FlipHorizontal {
		resized = imaging.FlipH(resized)
	}

	size := cfg.TargetSize
	span := cfg.Range.Max - cfg.Range.Min
	data := make([]float32, size*size*tensorChannels)

	// imaging always yields NRGBA, so pixels can be read straight from Pix
	// without the color.Color round trip.
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			r := row[x*4+0]
			g := row[x*4+1]
			b := row[x*4+2]
			if cfg.Order == OrderBGR {
				r, b = b, r
			}
			i := (y*size + x) * tensorChannels
			data[i+0] = float32(r)/255.0*span + cfg.Range.Min
			data[i+1] = float32(g)/255.0*span + cfg.Range.Min
			data[i+2] = float32(b)/255.0*span + cfg.Range.Min
		}
	}

	return &ImageTensor{Data: data, Width: size, Height: size, Channels: tensorChannels}, nil
}
