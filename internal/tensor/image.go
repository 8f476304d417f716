package tensor

import (
	"image"
)

// FromImage converts img to a (3,H,W) RGB tensor with values in [0,1].
// Alpha is ignored.
func FromImage(img image.Image) *Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	t := New(3, height, width)
	red := t.Data[0:plane]
	green := t.Data[plane : 2*plane]
	blue := t.Data[2*plane : 3*plane]

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = float32(r) / 65535.0
			green[i] = float32(g) / 65535.0
			blue[i] = float32(b) / 65535.0
			i++
		}
	}
	return t
}
