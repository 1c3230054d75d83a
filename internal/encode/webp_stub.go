//go:build !cgo

package encode

import (
	"bytes"
	"fmt"
	"image"

	"github.com/gen2brain/webp"
)

const webpCGOAvailable = false

func newWebPEncoder(quality int) (Encoder, error) {
	return nil, fmt.Errorf("webp: native libwebp encoder requires CGO (install libwebp-dev and build with CGO_ENABLED=1)")
}

// DecodeWebP decodes WebP bytes with the pure Go gen2brain/webp decoder.
// Encoding still requires CGo, but a no-CGo build can read tiles another
// build produced with the native encoder.
func DecodeWebP(data []byte) (image.Image, error) {
	return webp.Decode(bytes.NewReader(data))
}

func imageToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}
