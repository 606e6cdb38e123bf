package imageutil

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Decode decodes PNG, JPEG or WebP bytes.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// ResizeSquare scales img to exactly size x size pixels with a Lanczos filter.
// Aspect ratio is not preserved.
func ResizeSquare(img image.Image, size int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, size, size, imaging.Lanczos)
}

// EncodePNG encodes img as PNG. When dpi > 0 a pHYs chunk carrying the
// resolution is inserted after IHDR.
func EncodePNG(img image.Image, dpi int) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	if dpi <= 0 {
		return buf.Bytes(), nil
	}
	return withPHYs(buf.Bytes(), dpi)
}

// PNG layout: 8-byte signature, then IHDR (4 len + 4 type + 13 data + 4 crc).
const ihdrEnd = 8 + 4 + 4 + 13 + 4

func withPHYs(data []byte, dpi int) ([]byte, error) {
	if len(data) < ihdrEnd || string(data[12:16]) != "IHDR" {
		return nil, fmt.Errorf("unexpected PNG layout")
	}

	ppm := uint32(math.Round(float64(dpi) / 0.0254))
	chunk := make([]byte, 4+4+9+4)
	binary.BigEndian.PutUint32(chunk[0:4], 9)
	copy(chunk[4:8], "pHYs")
	binary.BigEndian.PutUint32(chunk[8:12], ppm)
	binary.BigEndian.PutUint32(chunk[12:16], ppm)
	chunk[16] = 1 // unit: metre
	binary.BigEndian.PutUint32(chunk[17:21], crc32.ChecksumIEEE(chunk[4:17]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk...)
	out = append(out, data[ihdrEnd:]...)
	return out, nil
}

// DPI reads the resolution from a pHYs chunk, or 0 when absent.
func DPI(data []byte) int {
	pos := 8
	for pos+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		if typ == "pHYs" && pos+8+9 <= len(data) && data[pos+16] == 1 {
			ppm := binary.BigEndian.Uint32(data[pos+8 : pos+12])
			return int(math.Round(float64(ppm) * 0.0254))
		}
		if typ == "IDAT" || typ == "IEND" {
			return 0
		}
		pos += 12 + n
	}
	return 0
}

// DataURI returns data as a base64 data URI.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// FaceMask builds a grayscale mask with a soft ellipse where the face of a
// template illustration usually sits: centred horizontally, slightly above
// the middle.
func FaceMask(width, height int) *image.NRGBA {
	mask := image.NewGray(image.Rect(0, 0, width, height))

	cx := float64(width) / 2
	cy := float64(height) * 0.45
	ax := math.Max(1, float64(width)*0.18)
	ay := math.Max(1, float64(height)*0.22)

	for y := 0; y < height; y++ {
		dy := (float64(y) - cy) / ay
		for x := 0; x < width; x++ {
			dx := (float64(x) - cx) / ax
			if dx*dx+dy*dy <= 1 {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	sigma := math.Max(2, math.Min(float64(width), float64(height))*0.03)
	return imaging.Blur(mask, sigma)
}
