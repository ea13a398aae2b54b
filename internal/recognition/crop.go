package recognition

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"sentinelcam/internal/model"
)

// errDegenerateCrop is returned when a bounding box clamps to an empty
// region, e.g. a detection reported at the very edge of the frame.
var errDegenerateCrop = errors.New("recognition: degenerate crop region")

// cropAndScale crops box out of the source JPEG with pad fraction of
// padding on every side (clamped to image bounds), then downscales the
// result if it exceeds maxSide on either dimension. The JPEG codec itself
// is treated as an external collaborator per the design; only the crop
// geometry and scale decision are this package's responsibility.
func cropAndScale(src []byte, box model.BoundingBox, pad float32, maxSide int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	padX := int(float32(box.W) * pad)
	padY := int(float32(box.H) * pad)

	x0 := clamp(box.X-padX, bounds.Min.X, bounds.Max.X)
	y0 := clamp(box.Y-padY, bounds.Min.Y, bounds.Max.Y)
	x1 := clamp(box.X+box.W+padX, bounds.Min.X, bounds.Max.X)
	y1 := clamp(box.Y+box.H+padY, bounds.Min.Y, bounds.Max.Y)
	if x1 <= x0 || y1 <= y0 {
		return nil, errDegenerateCrop
	}

	cropRect := image.Rect(x0, y0, x1, y1)
	cropped := image.NewRGBA(image.Rect(0, 0, cropRect.Dx(), cropRect.Dy()))
	draw.Draw(cropped, cropped.Bounds(), img, cropRect.Min, draw.Src)

	out := image.Image(cropped)
	if cropRect.Dx() > maxSide || cropRect.Dy() > maxSide {
		out = downscale(cropped, maxSide)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func downscale(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(maxSide) / float64(maxInt(w, h))
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
