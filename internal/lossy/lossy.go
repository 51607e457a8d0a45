// Package lossy implements the optional lossy recompression the archive
// writer applies to large, opaque images to shrink the archive: decode,
// downsample to fit 1280x720 while preserving aspect ratio, and re-encode
// as JPEG, keeping the result only if it is strictly smaller.
//
// There is no image resize/recompress library anywhere in the retrieval
// pack, so this is built on the standard image codecs plus
// golang.org/x/image/bmp for the one format the stdlib lacks, and a
// straightforward nearest-neighbor resize into an image.RGBA.
package lossy

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
)

const (
	skipBelowBytes = 100 << 10
	maxWidth       = 1280
	maxHeight      = 720
	jpegQuality    = 82
)

// TryCompress attempts to shrink data (an encoded JPEG/PNG/BMP image) by
// downsampling and re-encoding as JPEG. It returns ok=false when data is
// too small to bother with, is not a decodable opaque image, or the
// recompressed result would not be smaller than the input.
func TryCompress(data []byte) (out []byte, ok bool) {
	if len(data) < skipBelowBytes {
		return nil, false
	}

	img, format, err := decode(data)
	if err != nil {
		return nil, false
	}
	if hasAlpha(img) {
		return nil, false
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scale := maxOf(float64(w)/float64(maxWidth), float64(h)/float64(maxHeight))

	resized := false
	if scale > 1.0 {
		img = resize(img, int(float64(w)/scale), int(float64(h)/scale))
		resized = true
	}

	// If nothing changed in dimensions and the input was already a JPEG,
	// re-encoding can only make it bigger or equal; skip the round trip.
	if !resized && format == "jpeg" {
		return nil, false
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decode(data []byte) (image.Image, string, error) {
	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, "jpeg", nil
	}
	if img, err := png.Decode(bytes.NewReader(data)); err == nil {
		return img, "png", nil
	}
	if img, err := bmp.Decode(bytes.NewReader(data)); err == nil {
		return img, "bmp", nil
	}
	return nil, "", errUnsupported
}

var errUnsupported = unsupportedFormatError{}

type unsupportedFormatError struct{}

func (unsupportedFormatError) Error() string { return "lossy: unsupported or undecodable image" }

// hasAlpha reports whether img carries a non-opaque alpha channel. JPEG
// (decoded as *image.YCbCr) never has one; PNG/BMP decoded into an
// RGBA-family image do only if any pixel's alpha is not fully opaque.
func hasAlpha(img image.Image) bool {
	switch im := img.(type) {
	case *image.NRGBA:
		return !opaqueAlpha(im.Pix, 3)
	case *image.RGBA:
		return !opaqueAlpha(im.Pix, 3)
	case *image.NRGBA64:
		return !opaqueAlpha16(im.Pix, 6)
	case *image.RGBA64:
		return !opaqueAlpha16(im.Pix, 6)
	default:
		return false
	}
}

func opaqueAlpha(pix []byte, alphaOffset int) bool {
	for i := alphaOffset; i < len(pix); i += 4 {
		if pix[i] != 0xff {
			return false
		}
	}
	return true
}

func opaqueAlpha16(pix []byte, alphaOffset int) bool {
	for i := alphaOffset; i+1 < len(pix); i += 8 {
		if pix[i] != 0xff || pix[i+1] != 0xff {
			return false
		}
	}
	return true
}

// resize performs a simple nearest-neighbor downsample; good enough for a
// lossy thumbnailing pass and keeps the dependency surface to the stdlib
// image package.
func resize(img image.Image, w, h int) image.Image {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	src := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := src.Min.Y + y*src.Dy()/h
		for x := 0; x < w; x++ {
			sx := src.Min.X + x*src.Dx()/w
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
