package lossy

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func bigOpaqueJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestTryCompressSkipsSmallInput(t *testing.T) {
	if _, ok := TryCompress(make([]byte, 10)); ok {
		t.Fatal("expected small input to be skipped")
	}
}

func TestTryCompressDownsamplesLargeImage(t *testing.T) {
	data := bigOpaqueJPEG(t, 2000, 1500)
	out, ok := TryCompress(data)
	if !ok {
		t.Fatal("expected oversized opaque JPEG to be recompressed")
	}
	if len(out) >= len(data) {
		t.Fatalf("expected smaller output: got %d, input %d", len(out), len(data))
	}
}

func TestTryCompressSkipsUndecodable(t *testing.T) {
	garbage := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 40000)
	if _, ok := TryCompress(garbage); ok {
		t.Fatal("expected undecodable data to be skipped")
	}
}
