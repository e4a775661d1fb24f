// Package normalize prepares raw image bytes for the embedding service.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	_ "image/png" // Register PNG decoder
	"io"

	"github.com/disintegration/imaging"
)

var (
	// ErrDecode is returned when the input is not a supported image container.
	ErrDecode = errors.New("image decode failed")

	// ErrEncode is returned when the resized image cannot be re-encoded.
	ErrEncode = errors.New("image encode failed")
)

// ImageError carries the failing stage and the underlying codec error.
type ImageError struct {
	Op    string // "decode" or "encode"
	Kind  error
	cause error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.cause)
}

func (e *ImageError) Is(target error) bool { return target == e.Kind }

func (e *ImageError) Unwrap() error { return e.cause }

// Normalizer resizes images to fit within MaxWidth x MaxHeight and re-encodes them as JPEG.
type Normalizer struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// New creates a normalizer with the given bounds and JPEG quality.
func New(maxWidth, maxHeight, quality int) *Normalizer {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Normalizer{MaxWidth: maxWidth, MaxHeight: maxHeight, Quality: quality}
}

// Normalize decodes raw, scales it down by min(maxW/w, maxH/h, 1) and returns canonical JPEG bytes.
func (n *Normalizer) Normalize(raw []byte) ([]byte, error) {
	img, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return n.Encode(n.Resize(img))
}

// Resize fits img within the configured bounds. Images that already fit are returned untouched.
func (n *Normalizer) Resize(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() <= n.MaxWidth && b.Dy() <= n.MaxHeight {
		return img
	}
	return imaging.Fit(img, n.MaxWidth, n.MaxHeight, imaging.Lanczos)
}

// Encode writes img in the canonical format.
func (n *Normalizer) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := n.EncodeTo(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo streams img in the canonical format to w.
func (n *Normalizer) EncodeTo(w io.Writer, img image.Image) error {
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(n.Quality)); err != nil {
		return &ImageError{Op: "encode", Kind: ErrEncode, cause: err}
	}
	return nil
}

// Decode parses raw image bytes, applying EXIF orientation.
func Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, &ImageError{Op: "decode", Kind: ErrDecode, cause: errors.New("empty input")}
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &ImageError{Op: "decode", Kind: ErrDecode, cause: err}
	}
	return img, nil
}
