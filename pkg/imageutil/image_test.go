package imageutil

import (
	"image"
	"image/color"
	"strings"
	"testing"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestResizeSquare_ExactSize(t *testing.T) {
	sizes := [][2]int{{10, 10}, {300, 120}, {64, 500}, {1, 1}}
	for _, s := range sizes {
		out := ResizeSquare(solid(s[0], s[1], color.White), 128)
		if out.Bounds().Dx() != 128 || out.Bounds().Dy() != 128 {
			t.Errorf("source %dx%d resized to %v", s[0], s[1], out.Bounds())
		}
	}
}

func TestEncodePNG_RoundTripWithDPI(t *testing.T) {
	data, err := EncodePNG(solid(8, 8, color.Black), 300)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}

	if got := DPI(data); got != 300 {
		t.Errorf("DPI = %d, want 300", got)
	}

	img, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode after pHYs insert: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("decoded width = %d", img.Bounds().Dx())
	}
}

func TestEncodePNG_NoDPI(t *testing.T) {
	data, err := EncodePNG(solid(4, 4, color.Black), 0)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	if DPI(data) != 0 {
		t.Errorf("expected no pHYs chunk")
	}
}

func TestDataURI(t *testing.T) {
	uri := DataURI("image/png", []byte("abc"))
	if uri != "data:image/png;base64,YWJj" {
		t.Errorf("DataURI = %q", uri)
	}
}

func TestFaceMask(t *testing.T) {
	m := FaceMask(200, 200)
	if m.Bounds().Dx() != 200 || m.Bounds().Dy() != 200 {
		t.Fatalf("mask size = %v", m.Bounds())
	}

	centre := m.NRGBAAt(100, 90)
	corner := m.NRGBAAt(0, 0)
	if centre.R <= corner.R {
		t.Errorf("mask centre (%d) should be brighter than corner (%d)", centre.R, corner.R)
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Decode([]byte("not an image")); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("expected decode error, got %v", err)
	}
}
