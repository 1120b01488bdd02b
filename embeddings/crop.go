package embeddings

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/facevector/face-embedding-service/models"
)

// Crop cuts the face region covered by box out of img. Fractional box
// coordinates are truncated toward zero before use. The returned image owns
// its own pixel storage, so the source may be mutated or released afterwards.
func Crop(img image.Image, box models.BoundingBox) (*image.NRGBA, error) {
	bounds := img.Bounds()

	x0 := int(box.XMin)
	y0 := int(box.YMin)
	x1 := int(box.XMax)
	y1 := int(box.YMax)

	w := x1 - x0
	h := y1 - y0
	if w <= 0 || h <= 0 {
		return nil, newError(CodeInvalidRegion, nil, "box has non-positive size %dx%d", w, h)
	}
	if x0 < 0 || y0 < 0 || x1 > bounds.Dx() || y1 > bounds.Dy() {
		return nil, newError(CodeInvalidRegion, nil,
			"box (%d,%d)-(%d,%d) outside image %dx%d", x0, y0, x1, y1, bounds.Dx(), bounds.Dy())
	}

	// Box coordinates are relative to the top-left pixel; shift them into
	// the image's own coordinate space before cutting.
	rect := image.Rect(bounds.Min.X+x0, bounds.Min.Y+y0, bounds.Min.X+x1, bounds.Min.Y+y1)
	return imaging.Crop(img, rect), nil
}
