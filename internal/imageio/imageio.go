package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/depth-api/internal/depth"
)

var ErrNotSingleImage = errors.New("depth PNG needs a single-image output")

// Decode reads an image in any registered format. When maxSide > 0 and the
// longer side exceeds it, the image is downscaled to fit, keeping its aspect.
func Decode(r io.Reader, maxSide int) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return Fit(img, maxSide), format, nil
}

// Fit downscales img so that neither side exceeds maxSide.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	if maxSide <= 0 || (b.Dx() <= maxSide && b.Dy() <= maxSide) {
		return img
	}
	return resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
}

// DepthImage converts a single-image depth output, shape (1,H,W), to a 16-bit
// grayscale image. Int16 samples are read back as uint16; float samples are
// clamped to [0, 65535].
func DepthImage(out *depth.Output) (*image.Gray16, error) {
	shape := out.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("%w: got shape %v", ErrNotSingleImage, shape)
	}
	h, w := shape[1], shape[2]
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i := 0; i < h*w; i++ {
		var g uint16
		if out.Int16 != nil {
			g = uint16(out.Int16.Data[i])
		} else {
			v := math.Max(0, math.Min(math.MaxUint16, float64(out.Float.Data[i])))
			g = uint16(v)
		}
		img.Pix[2*i] = uint8(g >> 8)
		img.Pix[2*i+1] = uint8(g)
	}
	return img, nil
}

// EncodeDepthPNG writes a single-image depth output as a 16-bit PNG.
func EncodeDepthPNG(w io.Writer, out *depth.Output) error {
	img, err := DepthImage(out)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode depth png: %w", err)
	}
	return nil
}
